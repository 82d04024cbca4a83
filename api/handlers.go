package api

import (
	"encoding/json"
	"time"

	"github.com/ericfitz/syncboard/internal/metrics"
	"github.com/ericfitz/syncboard/internal/slogging"
)

// ElementUpdateHandler relays element mutations to the rest of the room
type ElementUpdateHandler struct{}

// MessageType returns the message type this handler processes
func (h *ElementUpdateHandler) MessageType() MessageType {
	return MessageTypeElementUpdate
}

// HandleMessage stamps the authenticated author and a sequence number on the
// mutation and fans it out to every other participant
func (h *ElementUpdateHandler) HandleMessage(room *Room, client *WSClient, message []byte) error {
	var msg ElementUpdateMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slogging.Get().Warn("Failed to parse element_update - Diagram: %s, User: %s, Error: %v",
			room.DiagramID, client.User.UserID, err)
		room.sendError(client, "malformed element_update payload")
		return err
	}
	if err := msg.Validate(); err != nil {
		room.sendError(client, err.Error())
		return err
	}

	msg.UserID = client.User.UserID
	msg.Seq = room.nextSeq()
	room.broadcastExcept(msg, client)
	return nil
}

// ElementCreateHandler relays new elements to the rest of the room
type ElementCreateHandler struct{}

func (h *ElementCreateHandler) MessageType() MessageType {
	return MessageTypeElementCreate
}

func (h *ElementCreateHandler) HandleMessage(room *Room, client *WSClient, message []byte) error {
	var msg ElementCreateMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slogging.Get().Warn("Failed to parse element_create - Diagram: %s, User: %s, Error: %v",
			room.DiagramID, client.User.UserID, err)
		room.sendError(client, "malformed element_create payload")
		return err
	}
	if err := msg.Validate(); err != nil {
		room.sendError(client, err.Error())
		return err
	}

	msg.UserID = client.User.UserID
	msg.Seq = room.nextSeq()
	room.broadcastExcept(msg, client)
	return nil
}

// ElementDeleteHandler relays element removals. A lock on the deleted
// element is released first so no client renders a lock on an element
// it no longer has.
type ElementDeleteHandler struct{}

func (h *ElementDeleteHandler) MessageType() MessageType {
	return MessageTypeElementDelete
}

func (h *ElementDeleteHandler) HandleMessage(room *Room, client *WSClient, message []byte) error {
	var msg ElementDeleteMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slogging.Get().Warn("Failed to parse element_delete - Diagram: %s, User: %s, Error: %v",
			room.DiagramID, client.User.UserID, err)
		room.sendError(client, "malformed element_delete payload")
		return err
	}
	if err := msg.Validate(); err != nil {
		room.sendError(client, err.Error())
		return err
	}

	if holder, ok := room.Locks.Holder(msg.ElementID); ok {
		if room.Locks.Release(msg.ElementID, holder.UserID) == ReleaseOK {
			metrics.ForcedReleases.Inc()
			room.broadcast(ElementUnlockMessage{
				Type:      MessageTypeElementUnlock,
				ElementID: msg.ElementID,
			})
		}
	}

	msg.UserID = client.User.UserID
	msg.Seq = room.nextSeq()
	room.broadcastExcept(msg, client)
	return nil
}

// CursorMoveHandler relays pointer positions to the rest of the room
type CursorMoveHandler struct{}

func (h *CursorMoveHandler) MessageType() MessageType {
	return MessageTypeCursorMove
}

// HandleMessage overwrites any client-supplied user_id with the
// authenticated identity before relaying. Cursor traffic is unsequenced.
func (h *CursorMoveHandler) HandleMessage(room *Room, client *WSClient, message []byte) error {
	var msg CursorMoveMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slogging.Get().Warn("Failed to parse cursor_move - Diagram: %s, User: %s, Error: %v",
			room.DiagramID, client.User.UserID, err)
		room.sendError(client, "malformed cursor_move payload")
		return err
	}
	if err := msg.Validate(); err != nil {
		room.sendError(client, err.Error())
		return err
	}

	msg.UserID = client.User.UserID
	room.Presence.UpdateCursor(msg.UserID, msg.Cursor, time.Now().UTC())
	room.broadcastExcept(msg, client)
	return nil
}

// LockRequestHandler arbitrates advisory element locks
type LockRequestHandler struct{}

func (h *LockRequestHandler) MessageType() MessageType {
	return MessageTypeLockRequest
}

// HandleMessage grants or denies the lock. Grants (including same-holder
// refreshes) are broadcast to every participant, the requester included,
// so requester mirrors update through the same path as observers. Denials
// go to the requester alone.
func (h *LockRequestHandler) HandleMessage(room *Room, client *WSClient, message []byte) error {
	var msg LockRequestMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slogging.Get().Warn("Failed to parse lock_request - Diagram: %s, User: %s, Error: %v",
			room.DiagramID, client.User.UserID, err)
		room.sendError(client, "malformed lock_request payload")
		return err
	}
	if err := msg.Validate(); err != nil {
		room.sendError(client, err.Error())
		return err
	}

	user, ok := room.Presence.Get(client.User.UserID)
	if !ok {
		user = client.User
	}

	result := room.Locks.Acquire(msg.ElementID, user, time.Now().UTC())
	switch result.Outcome {
	case LockGranted, LockRefreshed:
		metrics.LockGrants.Inc()
		room.broadcast(ElementLockMessage{
			Type:      MessageTypeElementLock,
			ElementID: result.Lock.ElementID,
			User:      result.Lock.User,
			LockedAt:  result.Lock.LockedAt,
		})
	case LockDenied:
		metrics.LockDenials.Inc()
		slogging.Get().Debug("Lock denied - Diagram: %s, Element: %s, Requester: %s, Holder: %s",
			room.DiagramID, msg.ElementID, client.User.UserID, result.Holder.UserID)
		room.sendTo(client, LockDeniedMessage{
			Type:      MessageTypeLockDenied,
			ElementID: msg.ElementID,
			Holder:    result.Holder,
		})
	}
	return nil
}

// UnlockRequestHandler releases advisory element locks
type UnlockRequestHandler struct{}

func (h *UnlockRequestHandler) MessageType() MessageType {
	return MessageTypeUnlockRequest
}

// HandleMessage releases the lock if the requester holds it. A non-holder
// release is denied and the lock stands.
func (h *UnlockRequestHandler) HandleMessage(room *Room, client *WSClient, message []byte) error {
	var msg UnlockRequestMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slogging.Get().Warn("Failed to parse unlock_request - Diagram: %s, User: %s, Error: %v",
			room.DiagramID, client.User.UserID, err)
		room.sendError(client, "malformed unlock_request payload")
		return err
	}
	if err := msg.Validate(); err != nil {
		room.sendError(client, err.Error())
		return err
	}

	switch room.Locks.Release(msg.ElementID, client.User.UserID) {
	case ReleaseOK:
		room.broadcast(ElementUnlockMessage{
			Type:      MessageTypeElementUnlock,
			ElementID: msg.ElementID,
		})
	case ReleaseNotLocked:
		room.sendTo(client, UnlockDeniedMessage{
			Type:      MessageTypeUnlockDenied,
			ElementID: msg.ElementID,
			Reason:    "element is not locked",
		})
	case ReleaseNotHolder:
		slogging.Get().Debug("Unlock denied - Diagram: %s, Element: %s, Requester: %s",
			room.DiagramID, msg.ElementID, client.User.UserID)
		room.sendTo(client, UnlockDeniedMessage{
			Type:      MessageTypeUnlockDenied,
			ElementID: msg.ElementID,
			Reason:    "lock is held by another user",
		})
	}
	return nil
}

// ResyncRequestHandler answers reconciliation requests with a fresh
// users-plus-locks snapshot
type ResyncRequestHandler struct{}

func (h *ResyncRequestHandler) MessageType() MessageType {
	return MessageTypeResyncRequest
}

func (h *ResyncRequestHandler) HandleMessage(room *Room, client *WSClient, message []byte) error {
	var msg ResyncRequestMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		room.sendError(client, "malformed resync_request payload")
		return err
	}

	metrics.Resyncs.Inc()
	slogging.Get().Debug("Resync requested - Diagram: %s, User: %s", room.DiagramID, client.User.UserID)
	room.sendTo(client, room.snapshotMessage())
	return nil
}
