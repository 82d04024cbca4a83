package slogging

import (
	"context"
	"encoding/json"
	"log/slog"
)

// WebSocketLoggingConfig holds configuration for WebSocket message logging
type WebSocketLoggingConfig struct {
	Enabled        bool
	MaxMessageSize int64 // Max message size to log (in bytes)
	OnlyDebugLevel bool  // Only log at debug level
}

// WSMessageDirection indicates the direction of the WebSocket message
type WSMessageDirection string

const (
	WSMessageInbound  WSMessageDirection = "INBOUND"
	WSMessageOutbound WSMessageDirection = "OUTBOUND"
)

// LogWebSocketMessage logs WebSocket message traffic for debugging
func LogWebSocketMessage(direction WSMessageDirection, diagramID, userID string, messageType string, data []byte, config WebSocketLoggingConfig) {
	if !config.Enabled {
		return
	}

	logger := Get()

	// Only proceed if we're logging at debug level and config allows it
	if config.OnlyDebugLevel && logger.level > LogLevelDebug {
		return
	}

	// Check message size limits
	if config.MaxMessageSize > 0 && int64(len(data)) > config.MaxMessageSize {
		logger.slogger.Debug("WebSocket message truncated due to size",
			slog.String("direction", string(direction)),
			slog.String("user_id", userID),
			slog.String("diagram_id", diagramID),
			slog.String("message_type", messageType),
			slog.Int("size_bytes", len(data)),
			slog.Bool("truncated", true),
			slog.String("reason", "too large"),
		)
		return
	}

	// Try to parse as JSON for better formatting
	var messageData interface{}
	if json.Unmarshal(data, &messageData) == nil {
		// Successfully parsed as JSON, log with structured data
		logger.slogger.Debug("WebSocket message",
			slog.String("direction", string(direction)),
			slog.String("user_id", userID),
			slog.String("diagram_id", diagramID),
			slog.String("message_type", messageType),
			slog.Int("size_bytes", len(data)),
			slog.Any("message_data", messageData),
		)
	} else {
		// Not valid JSON, log as string
		logger.slogger.Debug("WebSocket message",
			slog.String("direction", string(direction)),
			slog.String("user_id", userID),
			slog.String("diagram_id", diagramID),
			slog.String("message_type", messageType),
			slog.Int("size_bytes", len(data)),
			slog.String("message_content", SanitizeLogMessage(string(data))),
		)
	}
}

// LogWebSocketConnection logs WebSocket connection lifecycle events
func LogWebSocketConnection(event string, diagramID, userID string, config WebSocketLoggingConfig) {
	if !config.Enabled {
		return
	}

	logger := Get()

	attrs := []slog.Attr{
		slog.String("event", event),
		slog.String("diagram_id", diagramID),
		slog.String("user_id", userID),
	}

	logger.slogger.LogAttrs(context.TODO(), slog.LevelInfo, "WebSocket connection event", attrs...)
}

// LogWebSocketError logs WebSocket-related errors
func LogWebSocketError(errorType, errorMessage, diagramID, userID string, config WebSocketLoggingConfig) {
	if !config.Enabled {
		return
	}

	logger := Get()

	logger.slogger.Error("WebSocket error",
		slog.String("error_type", errorType),
		slog.String("error_message", SanitizeLogMessage(errorMessage)),
		slog.String("diagram_id", diagramID),
		slog.String("user_id", userID),
	)
}
