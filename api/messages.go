package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// WebSocket Message Types
// Every frame on a collaboration connection is a tagged union keyed by the
// "type" field. These types provide type safety and validation for both
// directions of the protocol.

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Element editing message types (client-originated, relayed by the server)
	MessageTypeElementUpdate MessageType = "element_update"
	MessageTypeElementCreate MessageType = "element_create"
	MessageTypeElementDelete MessageType = "element_delete"

	// Presence and cursor message types
	MessageTypeCursorMove        MessageType = "cursor_move"
	MessageTypeUserJoined        MessageType = "user_joined"
	MessageTypeUserLeft          MessageType = "user_left"
	MessageTypeActiveUsersUpdate MessageType = "active_users_update"

	// Lock arbitration message types
	MessageTypeLockRequest   MessageType = "lock_request"
	MessageTypeUnlockRequest MessageType = "unlock_request"
	MessageTypeElementLock   MessageType = "element_lock"
	MessageTypeElementUnlock MessageType = "element_unlock"
	MessageTypeLockDenied    MessageType = "lock_denied"
	MessageTypeUnlockDenied  MessageType = "unlock_denied"

	// Session management message types
	MessageTypeResyncRequest MessageType = "resync_request"
	MessageTypeError         MessageType = "error"

	// MessageTypeConnectionLost is synthesized client-side when the transport
	// drops. It never travels on the wire.
	MessageTypeConnectionLost MessageType = "connection_lost"
)

// Message is the base interface for all WebSocket messages
type Message interface {
	GetMessageType() MessageType
	Validate() error
}

// User is a participant in a diagram room
type User struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color,omitempty"`
}

// CursorPosition is a pointer location in diagram coordinates
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ElementLock records an advisory exclusive claim on a single element
type ElementLock struct {
	ElementID string    `json:"element_id"`
	User      User      `json:"user"`
	LockedAt  time.Time `json:"locked_at"`
}

// ElementID extracts the id field from an opaque element payload. The sync
// core interprets nothing else; the rest of the object is relayed untouched.
func ElementID(element json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(element, &probe); err != nil {
		return "", fmt.Errorf("element must be a JSON object: %w", err)
	}
	if probe.ID == "" {
		return "", fmt.Errorf("element id is required")
	}
	return probe.ID, nil
}

// Element Editing Messages

// ElementUpdateMessage mutates an existing element. UserID and Seq are
// server-assigned on the way out; inbound values are ignored.
type ElementUpdateMessage struct {
	Type    MessageType     `json:"type"`
	Element json.RawMessage `json:"element"`
	UserID  string          `json:"user_id,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

func (m ElementUpdateMessage) GetMessageType() MessageType { return m.Type }

func (m ElementUpdateMessage) Validate() error {
	if m.Type != MessageTypeElementUpdate {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeElementUpdate, m.Type)
	}
	if len(m.Element) == 0 {
		return fmt.Errorf("element is required")
	}
	if _, err := ElementID(m.Element); err != nil {
		return err
	}
	return nil
}

// ElementCreateMessage adds a new element to the diagram
type ElementCreateMessage struct {
	Type    MessageType     `json:"type"`
	Element json.RawMessage `json:"element"`
	UserID  string          `json:"user_id,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

func (m ElementCreateMessage) GetMessageType() MessageType { return m.Type }

func (m ElementCreateMessage) Validate() error {
	if m.Type != MessageTypeElementCreate {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeElementCreate, m.Type)
	}
	if len(m.Element) == 0 {
		return fmt.Errorf("element is required")
	}
	if _, err := ElementID(m.Element); err != nil {
		return err
	}
	return nil
}

// ElementDeleteMessage removes an element from the diagram
type ElementDeleteMessage struct {
	Type      MessageType `json:"type"`
	ElementID string      `json:"element_id"`
	UserID    string      `json:"user_id,omitempty"`
	Seq       uint64      `json:"seq,omitempty"`
}

func (m ElementDeleteMessage) GetMessageType() MessageType { return m.Type }

func (m ElementDeleteMessage) Validate() error {
	if m.Type != MessageTypeElementDelete {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeElementDelete, m.Type)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	return nil
}

// Presence Messages

// CursorMoveMessage shares a pointer position. UserID is server-assigned from
// the authenticated connection; inbound values are ignored.
type CursorMoveMessage struct {
	Type   MessageType    `json:"type"`
	UserID string         `json:"user_id,omitempty"`
	Cursor CursorPosition `json:"cursor"`
}

func (m CursorMoveMessage) GetMessageType() MessageType { return m.Type }

func (m CursorMoveMessage) Validate() error {
	if m.Type != MessageTypeCursorMove {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeCursorMove, m.Type)
	}
	return nil
}

// UserJoinedMessage notifies that a user entered the room
type UserJoinedMessage struct {
	Type      MessageType `json:"type"`
	User      User        `json:"user"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m UserJoinedMessage) GetMessageType() MessageType { return m.Type }

func (m UserJoinedMessage) Validate() error {
	if m.Type != MessageTypeUserJoined {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeUserJoined, m.Type)
	}
	if m.User.UserID == "" {
		return fmt.Errorf("user.user_id is required")
	}
	return nil
}

// UserLeftMessage notifies that a user left the room
type UserLeftMessage struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m UserLeftMessage) GetMessageType() MessageType { return m.Type }

func (m UserLeftMessage) Validate() error {
	if m.Type != MessageTypeUserLeft {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeUserLeft, m.Type)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// ActiveUsersUpdateMessage is the room snapshot. Users and locks travel in
// the same frame so a receiver never observes presence without the matching
// lock table.
type ActiveUsersUpdateMessage struct {
	Type  MessageType   `json:"type"`
	Users []User        `json:"users"`
	Locks []ElementLock `json:"locks"`
	Seq   uint64        `json:"seq"`
}

func (m ActiveUsersUpdateMessage) GetMessageType() MessageType { return m.Type }

func (m ActiveUsersUpdateMessage) Validate() error {
	if m.Type != MessageTypeActiveUsersUpdate {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeActiveUsersUpdate, m.Type)
	}
	for i, u := range m.Users {
		if u.UserID == "" {
			return fmt.Errorf("users[%d].user_id is required", i)
		}
	}
	for i, l := range m.Locks {
		if l.ElementID == "" {
			return fmt.Errorf("locks[%d].element_id is required", i)
		}
		if l.User.UserID == "" {
			return fmt.Errorf("locks[%d].user.user_id is required", i)
		}
	}
	return nil
}

// Lock Arbitration Messages

// LockRequestMessage asks for an advisory exclusive lock on one element
type LockRequestMessage struct {
	Type      MessageType `json:"type"`
	ElementID string      `json:"element_id"`
}

func (m LockRequestMessage) GetMessageType() MessageType { return m.Type }

func (m LockRequestMessage) Validate() error {
	if m.Type != MessageTypeLockRequest {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeLockRequest, m.Type)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	return nil
}

// UnlockRequestMessage releases a lock held by the requesting user
type UnlockRequestMessage struct {
	Type      MessageType `json:"type"`
	ElementID string      `json:"element_id"`
}

func (m UnlockRequestMessage) GetMessageType() MessageType { return m.Type }

func (m UnlockRequestMessage) Validate() error {
	if m.Type != MessageTypeUnlockRequest {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeUnlockRequest, m.Type)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	return nil
}

// ElementLockMessage announces a granted lock to the room
type ElementLockMessage struct {
	Type      MessageType `json:"type"`
	ElementID string      `json:"element_id"`
	User      User        `json:"user"`
	LockedAt  time.Time   `json:"locked_at"`
}

func (m ElementLockMessage) GetMessageType() MessageType { return m.Type }

func (m ElementLockMessage) Validate() error {
	if m.Type != MessageTypeElementLock {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeElementLock, m.Type)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	if m.User.UserID == "" {
		return fmt.Errorf("user.user_id is required")
	}
	return nil
}

// ElementUnlockMessage announces a released lock to the room
type ElementUnlockMessage struct {
	Type      MessageType `json:"type"`
	ElementID string      `json:"element_id"`
}

func (m ElementUnlockMessage) GetMessageType() MessageType { return m.Type }

func (m ElementUnlockMessage) Validate() error {
	if m.Type != MessageTypeElementUnlock {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeElementUnlock, m.Type)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	return nil
}

// LockDeniedMessage tells the requester another user holds the element
type LockDeniedMessage struct {
	Type      MessageType `json:"type"`
	ElementID string      `json:"element_id"`
	Holder    User        `json:"holder"`
}

func (m LockDeniedMessage) GetMessageType() MessageType { return m.Type }

func (m LockDeniedMessage) Validate() error {
	if m.Type != MessageTypeLockDenied {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeLockDenied, m.Type)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	if m.Holder.UserID == "" {
		return fmt.Errorf("holder.user_id is required")
	}
	return nil
}

// UnlockDeniedMessage tells the requester why a release was refused
type UnlockDeniedMessage struct {
	Type      MessageType `json:"type"`
	ElementID string      `json:"element_id"`
	Reason    string      `json:"reason"`
}

func (m UnlockDeniedMessage) GetMessageType() MessageType { return m.Type }

func (m UnlockDeniedMessage) Validate() error {
	if m.Type != MessageTypeUnlockDenied {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeUnlockDenied, m.Type)
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	if m.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

// Session Management Messages

// ResyncRequestMessage asks the server for a fresh room snapshot
type ResyncRequestMessage struct {
	Type MessageType `json:"type"`
}

func (m ResyncRequestMessage) GetMessageType() MessageType { return m.Type }

func (m ResyncRequestMessage) Validate() error {
	if m.Type != MessageTypeResyncRequest {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeResyncRequest, m.Type)
	}
	return nil
}

// ErrorMessage is a targeted, non-fatal protocol error
type ErrorMessage struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m ErrorMessage) GetMessageType() MessageType { return m.Type }

func (m ErrorMessage) Validate() error {
	if m.Type != MessageTypeError {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeError, m.Type)
	}
	if m.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// ConnectionLostMessage is delivered to client dispatchers when the
// transport drops; the server never sends it.
type ConnectionLostMessage struct {
	Type MessageType `json:"type"`
}

func (m ConnectionLostMessage) GetMessageType() MessageType { return m.Type }

func (m ConnectionLostMessage) Validate() error {
	if m.Type != MessageTypeConnectionLost {
		return fmt.Errorf("invalid type: expected %s, got %s", MessageTypeConnectionLost, m.Type)
	}
	return nil
}

// IsServerOnly reports whether a message type may only be sent by the
// server. A client sending one is a protocol violation rather than an
// unknown type.
func IsServerOnly(t MessageType) bool {
	switch t {
	case MessageTypeElementLock,
		MessageTypeElementUnlock,
		MessageTypeLockDenied,
		MessageTypeUnlockDenied,
		MessageTypeUserJoined,
		MessageTypeUserLeft,
		MessageTypeActiveUsersUpdate,
		MessageTypeError,
		MessageTypeConnectionLost:
		return true
	default:
		return false
	}
}

// ParseMessage parses an incoming WebSocket frame into its concrete type
func ParseMessage(data []byte) (Message, error) {
	// First, parse to determine message type
	var base struct {
		Type MessageType `json:"type"`
	}

	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to parse base message: %w", err)
	}

	// Parse into specific message type
	switch base.Type {
	case MessageTypeElementUpdate:
		var msg ElementUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse element update message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeElementCreate:
		var msg ElementCreateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse element create message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeElementDelete:
		var msg ElementDeleteMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse element delete message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeCursorMove:
		var msg CursorMoveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse cursor move message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeLockRequest:
		var msg LockRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse lock request message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeUnlockRequest:
		var msg UnlockRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse unlock request message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeResyncRequest:
		var msg ResyncRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse resync request message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeElementLock:
		var msg ElementLockMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse element lock message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeElementUnlock:
		var msg ElementUnlockMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse element unlock message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeLockDenied:
		var msg LockDeniedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse lock denied message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeUnlockDenied:
		var msg UnlockDeniedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse unlock denied message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeUserJoined:
		var msg UserJoinedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse user joined message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeUserLeft:
		var msg UserLeftMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse user left message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeActiveUsersUpdate:
		var msg ActiveUsersUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse active users update message: %w", err)
		}
		return msg, msg.Validate()

	case MessageTypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse error message: %w", err)
		}
		return msg, msg.Validate()

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// MarshalMessage validates a message and encodes it for the wire
func MarshalMessage(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("message validation failed: %w", err)
	}
	return json.Marshal(msg)
}
