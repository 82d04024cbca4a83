package api

import (
	"context"
	"sync"
	"time"

	"github.com/ericfitz/syncboard/internal/metrics"
	"github.com/ericfitz/syncboard/internal/slogging"
)

// cleanupInterval is how often the hub looks for dead rooms
const cleanupInterval = 5 * time.Minute

// HubConfig tunes the hub and the rooms it creates
type HubConfig struct {
	Room RoomConfig
	// InactivityTimeout closes rooms with no events for this long
	InactivityTimeout time.Duration
}

// DefaultHubConfig returns production defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Room:              DefaultRoomConfig(),
		InactivityTimeout: 5 * time.Minute,
	}
}

// Hub maintains the active diagram rooms
type Hub struct {
	// Active rooms by diagram ID
	Rooms map[string]*Room
	mu    sync.RWMutex

	cfg    HubConfig
	router *MessageRouter
	relay  Relay
}

// NewHub creates a hub. relay may be nil for single-node operation.
func NewHub(cfg HubConfig, relay Relay) *Hub {
	return &Hub{
		Rooms:  make(map[string]*Room),
		cfg:    cfg,
		router: NewMessageRouter(),
		relay:  relay,
	}
}

// GetOrCreateRoom returns the room for a diagram, starting its event loop
// on first use
func (h *Hub) GetOrCreateRoom(diagramID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.Rooms[diagramID]; ok {
		return room
	}

	room := NewRoom(diagramID, h.cfg.Room, h.router, h.relay)
	h.Rooms[diagramID] = room
	metrics.ActiveRooms.Inc()
	go room.Run()

	slogging.Get().Info("Room created diagram_id=%s room_id=%s", diagramID, room.ID)
	return room
}

// Room returns the live room for a diagram, if any
func (h *Hub) Room(diagramID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.Rooms[diagramID]
	return room, ok
}

// CloseRoom stops a room and removes it
func (h *Hub) CloseRoom(diagramID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeRoomLocked(diagramID)
}

func (h *Hub) closeRoomLocked(diagramID string) {
	room, ok := h.Rooms[diagramID]
	if !ok {
		return
	}
	room.Close()
	delete(h.Rooms, diagramID)
	metrics.ActiveRooms.Dec()
	slogging.Get().Info("Room closed diagram_id=%s room_id=%s", diagramID, room.ID)
}

// CleanupInactiveRooms closes rooms that are empty or past the inactivity
// timeout
func (h *Hub) CleanupInactiveRooms() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().UTC().Add(-h.cfg.InactivityTimeout)
	for diagramID, room := range h.Rooms {
		if room.ClientCount() == 0 || room.LastActivity().Before(cutoff) {
			h.closeRoomLocked(diagramID)
		}
	}
}

// StartCleanupTimer runs periodic room cleanup until the context ends
func (h *Hub) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CleanupInactiveRooms()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown closes every room. Connections are dropped; clients reconcile
// on reconnect.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for diagramID := range h.Rooms {
		h.closeRoomLocked(diagramID)
	}
}
