package utils

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

func (l LogLevel) zerolog() zerolog.Level {
	switch {
	case l >= Critical:
		return zerolog.FatalLevel
	case l >= Error:
		return zerolog.ErrorLevel
	case l >= Warning:
		return zerolog.WarnLevel
	case l >= Info:
		return zerolog.InfoLevel
	case l >= Debug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// Logger is a component logger with key/value pairs, backed by the process
// zerolog logger.
type Logger struct {
	prefix string

	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewLogger creates a new logger with a given component prefix. Without an
// explicit level it follows the global zerolog level.
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	l := &Logger{
		prefix: prefix,
		logger: log.Logger.With().Str("component", prefix).Logger(),
	}
	if len(logLevel) > 0 {
		l.logger = l.logger.Level(logLevel[0].zerolog())
	}
	return l
}

// NewLoggerFrom wraps an existing zerolog logger, used by tests to capture
// output.
func NewLoggerFrom(prefix string, base zerolog.Logger) *Logger {
	return &Logger{
		prefix: prefix,
		logger: base.With().Str("component", prefix).Logger(),
	}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = l.logger.Level(logLevel.zerolog())
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.emit(zerolog.InfoLevel, msg, keyvals)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.emit(zerolog.ErrorLevel, msg, keyvals)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.emit(zerolog.WarnLevel, msg, keyvals)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.emit(zerolog.DebugLevel, msg, keyvals)
}

func (l *Logger) emit(level zerolog.Level, msg string, keyvals []interface{}) {
	l.mu.RLock()
	logger := l.logger
	l.mu.RUnlock()

	event := logger.WithLevel(level)
	if event == nil {
		return
	}
	event.Fields(fieldsOf(keyvals)).Msg(msg)
}

// fieldsOf turns alternating key/value pairs into a field map. A trailing
// key without a value is dropped.
func fieldsOf(keyvals []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}
	return fields
}
