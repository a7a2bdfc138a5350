package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_KeyValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerFrom("billing", zerolog.New(&buf))

	logger.Info("Usage charged", "user_id", "u1", "total", 2100000, "error", errors.New("boom"), "dangling")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "billing", line["component"])
	assert.Equal(t, "Usage charged", line["message"])
	assert.Equal(t, "u1", line["user_id"])
	assert.EqualValues(t, 2100000, line["total"])
	assert.Equal(t, "boom", line["error"])
	assert.NotContains(t, line, "dangling")
}

func TestLogger_SetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerFrom("queue", zerolog.New(&buf))

	logger.SetLogLevel(Warning)
	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
