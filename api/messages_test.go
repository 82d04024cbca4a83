package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElementUpdateMessage(t *testing.T) {
	t.Run("Valid Message", func(t *testing.T) {
		msg := ElementUpdateMessage{
			Type:    MessageTypeElementUpdate,
			Element: json.RawMessage(`{"id":"e1","shape":"rect","x":10,"y":20}`),
		}

		err := msg.Validate()
		assert.NoError(t, err)
		assert.Equal(t, MessageTypeElementUpdate, msg.GetMessageType())
	})

	t.Run("Invalid Message Type", func(t *testing.T) {
		msg := ElementUpdateMessage{
			Type:    "invalid",
			Element: json.RawMessage(`{"id":"e1"}`),
		}

		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid type")
	})

	t.Run("Missing Element", func(t *testing.T) {
		msg := ElementUpdateMessage{
			Type: MessageTypeElementUpdate,
		}

		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "element is required")
	})

	t.Run("Element Without ID", func(t *testing.T) {
		msg := ElementUpdateMessage{
			Type:    MessageTypeElementUpdate,
			Element: json.RawMessage(`{"shape":"rect"}`),
		}

		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "element id is required")
	})
}

func TestElementDeleteMessage(t *testing.T) {
	t.Run("Valid Message", func(t *testing.T) {
		msg := ElementDeleteMessage{
			Type:      MessageTypeElementDelete,
			ElementID: uuid.New().String(),
		}

		err := msg.Validate()
		assert.NoError(t, err)
	})

	t.Run("Missing Element ID", func(t *testing.T) {
		msg := ElementDeleteMessage{
			Type: MessageTypeElementDelete,
		}

		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "element_id is required")
	})
}

func TestElementID(t *testing.T) {
	t.Run("Extracts ID", func(t *testing.T) {
		id, err := ElementID(json.RawMessage(`{"id":"e42","shape":"oval"}`))
		require.NoError(t, err)
		assert.Equal(t, "e42", id)
	})

	t.Run("Rejects Non Object", func(t *testing.T) {
		_, err := ElementID(json.RawMessage(`"just a string"`))
		assert.Error(t, err)
	})

	t.Run("Rejects Missing ID", func(t *testing.T) {
		_, err := ElementID(json.RawMessage(`{"shape":"oval"}`))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "element id is required")
	})
}

func TestLockMessages(t *testing.T) {
	t.Run("Valid Lock Request", func(t *testing.T) {
		msg := LockRequestMessage{
			Type:      MessageTypeLockRequest,
			ElementID: "e1",
		}
		assert.NoError(t, msg.Validate())
	})

	t.Run("Lock Request Missing Element ID", func(t *testing.T) {
		msg := LockRequestMessage{Type: MessageTypeLockRequest}
		assert.Error(t, msg.Validate())
	})

	t.Run("Valid Element Lock", func(t *testing.T) {
		msg := ElementLockMessage{
			Type:      MessageTypeElementLock,
			ElementID: "e1",
			User:      User{UserID: "u1", DisplayName: "Alice"},
			LockedAt:  time.Now().UTC(),
		}
		assert.NoError(t, msg.Validate())
	})

	t.Run("Valid Lock Denied", func(t *testing.T) {
		msg := LockDeniedMessage{
			Type:      MessageTypeLockDenied,
			ElementID: "e1",
			Holder:    User{UserID: "u2", DisplayName: "Bob"},
		}
		assert.NoError(t, msg.Validate())
	})

	t.Run("Valid Unlock Denied", func(t *testing.T) {
		msg := UnlockDeniedMessage{
			Type:      MessageTypeUnlockDenied,
			ElementID: "e1",
			Reason:    "lock is held by another user",
		}
		assert.NoError(t, msg.Validate())
	})
}

func TestMessageParser(t *testing.T) {
	t.Run("Parse Element Update", func(t *testing.T) {
		originalMsg := ElementUpdateMessage{
			Type:    MessageTypeElementUpdate,
			Element: json.RawMessage(`{"id":"e1","shape":"rect"}`),
			UserID:  "u1",
			Seq:     7,
		}

		data, err := json.Marshal(originalMsg)
		require.NoError(t, err)

		parsedMsg, err := ParseMessage(data)
		require.NoError(t, err)

		updateMsg, ok := parsedMsg.(ElementUpdateMessage)
		require.True(t, ok)

		assert.Equal(t, originalMsg.UserID, updateMsg.UserID)
		assert.Equal(t, originalMsg.Seq, updateMsg.Seq)
		assert.JSONEq(t, string(originalMsg.Element), string(updateMsg.Element))
	})

	t.Run("Parse Cursor Move", func(t *testing.T) {
		data := []byte(`{"type":"cursor_move","cursor":{"x":12.5,"y":-3}}`)

		parsedMsg, err := ParseMessage(data)
		require.NoError(t, err)

		cursorMsg, ok := parsedMsg.(CursorMoveMessage)
		require.True(t, ok)

		assert.Equal(t, 12.5, cursorMsg.Cursor.X)
		assert.Equal(t, -3.0, cursorMsg.Cursor.Y)
	})

	t.Run("Parse Active Users Update", func(t *testing.T) {
		data := []byte(`{"type":"active_users_update","users":[{"user_id":"u1","display_name":"Alice","color":"#2E86DE"}],"locks":[{"element_id":"e1","user":{"user_id":"u1","display_name":"Alice"},"locked_at":"2026-08-25T10:00:00Z"}],"seq":41}`)

		parsedMsg, err := ParseMessage(data)
		require.NoError(t, err)

		snapshot, ok := parsedMsg.(ActiveUsersUpdateMessage)
		require.True(t, ok)

		require.Len(t, snapshot.Users, 1)
		require.Len(t, snapshot.Locks, 1)
		assert.Equal(t, "u1", snapshot.Users[0].UserID)
		assert.Equal(t, "e1", snapshot.Locks[0].ElementID)
		assert.Equal(t, uint64(41), snapshot.Seq)
	})

	t.Run("Parse Resync Request", func(t *testing.T) {
		parsedMsg, err := ParseMessage([]byte(`{"type":"resync_request"}`))
		require.NoError(t, err)

		_, ok := parsedMsg.(ResyncRequestMessage)
		assert.True(t, ok)
	})

	t.Run("Parse Invalid JSON", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"invalid": "json"`))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse base message")
	})

	t.Run("Parse Unsupported Message Type", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"type": "unsupported_type"}`))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported message type")
	})

	t.Run("Parse Invalid Message Content", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"type":"element_delete"}`))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "element_id is required")
	})
}

func TestMarshalMessage(t *testing.T) {
	t.Run("Marshal Valid Message", func(t *testing.T) {
		msg := CursorMoveMessage{
			Type:   MessageTypeCursorMove,
			UserID: "u1",
			Cursor: CursorPosition{X: 1, Y: 2},
		}

		data, err := MarshalMessage(msg)
		assert.NoError(t, err)

		var parsed map[string]interface{}
		err = json.Unmarshal(data, &parsed)
		assert.NoError(t, err)
		assert.Equal(t, string(MessageTypeCursorMove), parsed["type"])
	})

	t.Run("Marshal Invalid Message", func(t *testing.T) {
		msg := CursorMoveMessage{
			Type: "invalid_type",
		}

		_, err := MarshalMessage(msg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "message validation failed")
	})
}

func TestIsServerOnly(t *testing.T) {
	serverOnly := []MessageType{
		MessageTypeElementLock,
		MessageTypeElementUnlock,
		MessageTypeLockDenied,
		MessageTypeUnlockDenied,
		MessageTypeUserJoined,
		MessageTypeUserLeft,
		MessageTypeActiveUsersUpdate,
		MessageTypeError,
		MessageTypeConnectionLost,
	}
	for _, mt := range serverOnly {
		assert.True(t, IsServerOnly(mt), "expected %s to be server-only", mt)
	}

	clientAllowed := []MessageType{
		MessageTypeElementUpdate,
		MessageTypeElementCreate,
		MessageTypeElementDelete,
		MessageTypeCursorMove,
		MessageTypeLockRequest,
		MessageTypeUnlockRequest,
		MessageTypeResyncRequest,
	}
	for _, mt := range clientAllowed {
		assert.False(t, IsServerOnly(mt), "expected %s to be client-originated", mt)
	}

	assert.False(t, IsServerOnly("some_future_type"))
}
