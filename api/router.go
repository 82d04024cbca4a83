package api

import (
	"encoding/json"
	"runtime/debug"

	"github.com/ericfitz/syncboard/internal/metrics"
	"github.com/ericfitz/syncboard/internal/slogging"
)

// MessageHandler defines the interface for handling WebSocket messages
type MessageHandler interface {
	HandleMessage(room *Room, client *WSClient, message []byte) error
	MessageType() MessageType
}

// MessageRouter routes inbound WebSocket frames to the handler for their
// message type
type MessageRouter struct {
	handlers map[MessageType]MessageHandler
}

// NewMessageRouter creates a router with the full handler set
func NewMessageRouter() *MessageRouter {
	router := &MessageRouter{
		handlers: make(map[MessageType]MessageHandler),
	}

	// Register default handlers
	router.RegisterHandler(&ElementUpdateHandler{})
	router.RegisterHandler(&ElementCreateHandler{})
	router.RegisterHandler(&ElementDeleteHandler{})
	router.RegisterHandler(&CursorMoveHandler{})
	router.RegisterHandler(&LockRequestHandler{})
	router.RegisterHandler(&UnlockRequestHandler{})
	router.RegisterHandler(&ResyncRequestHandler{})

	return router
}

// RegisterHandler registers a message handler for a specific message type
func (r *MessageRouter) RegisterHandler(handler MessageHandler) {
	r.handlers[handler.MessageType()] = handler
}

// RouteMessage routes a frame to the appropriate handler. A panicking
// handler is contained; the room survives.
func (r *MessageRouter) RouteMessage(room *Room, client *WSClient, message []byte) error {
	defer func() {
		if rec := recover(); rec != nil {
			slogging.Get().Error("PANIC in RouteMessage - Diagram: %s, User: %s, Error: %v, Stack: %s",
				room.DiagramID, client.User.UserID, rec, debug.Stack())
		}
	}()

	slogging.LogWebSocketMessage(slogging.WSMessageInbound, room.DiagramID, client.User.UserID, "", message, room.wsLog)

	// Parse base message to determine type
	var baseMsg struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		slogging.Get().Warn("Failed to parse WebSocket message - Diagram: %s, User: %s, Error: %v",
			room.DiagramID, client.User.UserID, err)
		slogging.LogWebSocketError("parse_failure", err.Error(), room.DiagramID, client.User.UserID, room.wsLog)
		room.sendError(client, "malformed message")
		return err
	}

	metrics.MessagesReceived.WithLabelValues(string(baseMsg.Type)).Inc()

	// Server-only message types arriving from a client are protocol
	// violations, not routing misses
	if IsServerOnly(baseMsg.Type) {
		slogging.Get().Warn("Client %s sent server-only message type '%s' - protocol violation",
			client.User.UserID, baseMsg.Type)
		slogging.LogWebSocketError("protocol_violation", "server-only message type "+string(baseMsg.Type), room.DiagramID, client.User.UserID, room.wsLog)
		room.sendError(client, "message type '"+string(baseMsg.Type)+"' is server-only and cannot be sent by clients")
		return nil
	}

	handler, exists := r.handlers[baseMsg.Type]
	if !exists {
		slogging.Get().Warn("Unsupported message type '%s' from user %s in diagram %s",
			baseMsg.Type, client.User.UserID, room.DiagramID)
		room.sendError(client, "message type '"+string(baseMsg.Type)+"' is not supported")
		return nil
	}

	return handler.HandleMessage(room, client, message)
}
