package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
	}{
		{
			name:    "bad request",
			code:    http.StatusBadRequest,
			message: "Invalid input",
		},
		{
			name:    "payment required",
			code:    http.StatusPaymentRequired,
			message: "Insufficient funds",
		},
		{
			name:    "internal server error",
			code:    http.StatusInternalServerError,
			message: "Something went wrong",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			RespondWithError(w, tt.code, tt.message)

			if w.Code != tt.code {
				t.Errorf("RespondWithError() status = %d, want %d", w.Code, tt.code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("RespondWithError() Content-Type = %s, want application/json", ct)
			}

			var response ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response.Error != tt.message {
				t.Errorf("RespondWithError() message = %s, want %s", response.Error, tt.message)
			}
		})
	}
}

func TestRespondWithErrorCode(t *testing.T) {
	w := httptest.NewRecorder()

	RespondWithErrorCode(w, http.StatusBadRequest, "invalid_input", "must be positive", "amount")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"must be positive","code":"invalid_input","field":"amount"}`, w.Body.String())
}

func TestRespondWithJSON(t *testing.T) {
	w := httptest.NewRecorder()

	payload := map[string]any{"charged": true, "totalCents": "2.1"}
	require.NoError(t, RespondWithJSON(w, http.StatusCreated, payload))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"charged":true,"totalCents":"2.1"}`, w.Body.String())
}

type testUsage struct {
	TotalTokens int64 `json:"totalTokens" validate:"gte=1"`
}

type testReport struct {
	UserID string    `json:"userId" validate:"required"`
	Usage  testUsage `json:"usage"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
		wantErr   bool
	}{
		{name: "valid", body: `{"userId":"u1","usage":{"totalTokens":10}}`},
		{name: "empty body", body: ``, wantErr: true},
		{name: "malformed", body: `{"userId":`, wantErr: true},
		{name: "unknown field", body: `{"userId":"u1","extra":1}`, wantErr: true},
		{name: "missing user", body: `{"usage":{"totalTokens":10}}`, wantErr: true, wantField: "userId"},
		{name: "nested field", body: `{"userId":"u1","usage":{"totalTokens":0}}`, wantErr: true, wantField: "usage.totalTokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			var dst testReport
			err := DecodeJSON(w, req, &dst)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "u1", dst.UserID)
				return
			}

			require.Error(t, err)
			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, fe.Field)
			}
		})
	}
}

func TestDecodeJSON_BodyLimit(t *testing.T) {
	big := `{"userId":"` + strings.Repeat("x", MaxRequestBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	w := httptest.NewRecorder()

	var dst testReport
	assert.Error(t, DecodeJSON(w, req, &dst))
}
