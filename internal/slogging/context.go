package slogging

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// GinContextLike defines a minimal interface for contexts that can be used with the logger
type GinContextLike interface {
	Get(key any) (any, bool)
	GetHeader(key string) string
	ClientIP() string
}

// WithContext returns a context-aware logger that includes request information
func (l *Logger) WithContext(c GinContextLike) *ContextLogger {
	// Get or generate request ID
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
		// Only set header if context supports it
		if setter, ok := c.(interface{ Header(string, string) }); ok {
			setter.Header("X-Request-ID", requestID)
		}
	}

	// User is empty until auth middleware has run
	userID := ""
	if v, ok := c.Get("user_id"); ok {
		userID = fmt.Sprintf("%v", v)
	}

	contextLogger := l.slogger.With(
		slog.String("request_id", requestID),
		slog.String("client_ip", c.ClientIP()),
		slog.String("user_id", userID),
	)

	return &ContextLogger{
		logger:  l,
		slogger: contextLogger,
	}
}

// ContextLogger adds request context to log messages
type ContextLogger struct {
	logger  *Logger
	slogger *slog.Logger
}

// Debug logs a debug-level message with request context
func (cl *ContextLogger) Debug(format string, args ...any) {
	if cl.logger.level > LogLevelDebug {
		return
	}

	var message string
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	} else {
		message = format
	}

	cl.slogger.Debug(SanitizeLogMessage(message))
}

// Info logs an info-level message with request context
func (cl *ContextLogger) Info(format string, args ...any) {
	if cl.logger.level > LogLevelInfo {
		return
	}

	var message string
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	} else {
		message = format
	}

	cl.slogger.Info(SanitizeLogMessage(message))
}

// Warn logs a warning-level message with request context
func (cl *ContextLogger) Warn(format string, args ...any) {
	if cl.logger.level > LogLevelWarn {
		return
	}

	var message string
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	} else {
		message = format
	}

	cl.slogger.Warn(SanitizeLogMessage(message))
}

// Error logs an error-level message with request context
func (cl *ContextLogger) Error(format string, args ...any) {
	if cl.logger.level > LogLevelError {
		return
	}

	var message string
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	} else {
		message = format
	}

	cl.slogger.Error(SanitizeLogMessage(message))
}
