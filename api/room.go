package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ericfitz/syncboard/internal/metrics"
	"github.com/ericfitz/syncboard/internal/slogging"
)

// lockSweepInterval is how often a room checks for expired locks when a
// lock TTL is configured.
const lockSweepInterval = 10 * time.Second

// RoomConfig tunes one diagram room and its connections
type RoomConfig struct {
	ReadLimit            int64
	PongWait             time.Duration
	PingInterval         time.Duration
	WriteWait            time.Duration
	SendBufferSize       int
	LockTTL              time.Duration
	LogWebSocketMessages bool
}

// DefaultRoomConfig returns production defaults
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		ReadLimit:      4096,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		WriteWait:      10 * time.Second,
		SendBufferSize: 256,
		LockTTL:        0,
	}
}

// InboundFrame is a raw client frame awaiting routing
type InboundFrame struct {
	Client *WSClient
	Data   []byte
}

// Room is the per-diagram authority. One Run goroutine serializes every
// state change and broadcast, so all messages for a diagram observe a
// single total order.
type Room struct {
	// Room instance ID
	ID string
	// Diagram ID
	DiagramID string

	// Canonical presence set
	Presence *PresenceTracker
	// Advisory lock table
	Locks *LockCoordinator

	// Connected clients
	Clients map[*WSClient]bool
	// Register requests
	Register chan *WSClient
	// Unregister requests
	Unregister chan *WSClient
	// Inbound frames from clients
	Inbound chan InboundFrame

	router *MessageRouter
	relay  Relay
	remote chan []byte
	unsub  func()

	cfg          RoomConfig
	wsLog        slogging.WebSocketLoggingConfig
	seq          uint64
	lastActivity time.Time
	mu           sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewRoom creates a room for a diagram. The caller starts Run.
func NewRoom(diagramID string, cfg RoomConfig, router *MessageRouter, relay Relay) *Room {
	return &Room{
		ID:         uuid.New().String(),
		DiagramID:  diagramID,
		Presence:   NewPresenceTracker(),
		Locks:      NewLockCoordinator(),
		Clients:    make(map[*WSClient]bool),
		Register:   make(chan *WSClient),
		Unregister: make(chan *WSClient),
		Inbound:    make(chan InboundFrame),
		router:     router,
		relay:      relay,
		remote:     make(chan []byte, 64),
		cfg:        cfg,
		wsLog: slogging.WebSocketLoggingConfig{
			Enabled:        cfg.LogWebSocketMessages,
			MaxMessageSize: cfg.ReadLimit,
			OnlyDebugLevel: true,
		},
		lastActivity: time.Now().UTC(),
		done:         make(chan struct{}),
	}
}

// Run processes events for a diagram room until Close
func (r *Room) Run() {
	logger := slogging.Get()

	if r.relay != nil {
		unsub, err := r.relay.Subscribe(context.Background(), r.DiagramID, func(data []byte) {
			select {
			case r.remote <- data:
			case <-r.done:
			}
		})
		if err != nil {
			logger.Error("Failed to subscribe room to relay diagram_id=%s error=%v", r.DiagramID, err)
		} else {
			r.unsub = unsub
		}
	}

	var sweep <-chan time.Time
	if r.cfg.LockTTL > 0 {
		ticker := time.NewTicker(lockSweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case client := <-r.Register:
			r.handleRegister(client)

		case client := <-r.Unregister:
			r.handleUnregister(client)

		case frame := <-r.Inbound:
			r.touch()
			r.Presence.Touch(frame.Client.User.UserID, time.Now().UTC())
			_ = r.router.RouteMessage(r, frame.Client, frame.Data)

		case data := <-r.remote:
			// Frame from another node; deliver locally, never re-publish
			r.fanout(data, "relay", nil)

		case now := <-sweep:
			r.expireLocks(now.UTC())

		case <-r.done:
			if r.unsub != nil {
				r.unsub()
			}
			r.mu.Lock()
			for client := range r.Clients {
				close(client.Send)
				delete(r.Clients, client)
				metrics.ActiveConnections.Dec()
			}
			r.mu.Unlock()
			return
		}
	}
}

// Close stops the room's event loop and disconnects its clients
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

// ClientCount returns the number of registered connections
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Clients)
}

// LastActivity returns the time of the most recent room event
func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

func (r *Room) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now().UTC()
	r.mu.Unlock()
}

// handleRegister admits a client: any previous connection for the same user
// is superseded, the joiner receives the room snapshot, and everyone else
// learns about a genuinely new user.
func (r *Room) handleRegister(client *WSClient) {
	now := time.Now().UTC()
	r.touch()

	// Supersede an existing connection of the same user. Presence and locks
	// are untouched; the user never left.
	r.mu.Lock()
	for existing := range r.Clients {
		if existing != client && existing.User.UserID == client.User.UserID {
			delete(r.Clients, existing)
			close(existing.Send)
			metrics.ActiveConnections.Dec()
			slogging.Get().Info("Superseded connection user_id=%s diagram_id=%s", client.User.UserID, r.DiagramID)
		}
	}
	r.Clients[client] = true
	r.mu.Unlock()
	metrics.ActiveConnections.Inc()

	stored, isNew := r.Presence.Join(client.User, now)

	slogging.LogWebSocketConnection("connected", r.DiagramID, client.User.UserID, r.wsLog)

	// The joiner gets users and locks in one frame before any live event
	r.sendTo(client, r.snapshotMessage())

	if isNew {
		r.broadcastExcept(UserJoinedMessage{
			Type:      MessageTypeUserJoined,
			User:      stored,
			Timestamp: now,
		}, client)
	}
}

// handleUnregister removes a client. The departure flow (lock release, then
// user_left) runs only when the connection was still registered; superseded
// connections were already removed.
func (r *Room) handleUnregister(client *WSClient) {
	r.touch()

	if !r.removeClient(client) {
		return
	}

	slogging.LogWebSocketConnection("disconnected", r.DiagramID, client.User.UserID, r.wsLog)
	r.departUser(client.User)
}

// removeClient drops a connection from the room, reporting whether it was
// still registered
func (r *Room) removeClient(client *WSClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.Clients[client]; !ok {
		return false
	}
	delete(r.Clients, client)
	close(client.Send)
	metrics.ActiveConnections.Dec()
	return true
}

// departUser runs the departure flow for a user with no remaining
// connection: every held lock is released and broadcast before user_left.
func (r *Room) departUser(user User) {
	if r.hasClientForUser(user.UserID) {
		return
	}

	now := time.Now().UTC()

	released := r.Locks.ReleaseAll(user.UserID)
	for _, elementID := range released {
		metrics.ForcedReleases.Inc()
		r.broadcast(ElementUnlockMessage{
			Type:      MessageTypeElementUnlock,
			ElementID: elementID,
		})
	}

	if r.Presence.Leave(user.UserID) {
		r.broadcast(UserLeftMessage{
			Type:      MessageTypeUserLeft,
			UserID:    user.UserID,
			Timestamp: now,
		})
	}
}

func (r *Room) hasClientForUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for client := range r.Clients {
		if client.User.UserID == userID {
			return true
		}
	}
	return false
}

// expireLocks sweeps the lock table and broadcasts forced releases
func (r *Room) expireLocks(now time.Time) {
	expired := r.Locks.Expire(now, r.cfg.LockTTL)
	for _, lock := range expired {
		metrics.ForcedReleases.Inc()
		slogging.Get().Info("Lock expired diagram_id=%s element_id=%s user_id=%s", r.DiagramID, lock.ElementID, lock.User.UserID)
		r.broadcast(ElementUnlockMessage{
			Type:      MessageTypeElementUnlock,
			ElementID: lock.ElementID,
		})
	}
}

// nextSeq returns the next per-diagram sequence number. Only the Run
// goroutine's handlers call it.
func (r *Room) nextSeq() uint64 {
	r.seq++
	return r.seq
}

// snapshotMessage builds the atomic users+locks snapshot
func (r *Room) snapshotMessage() ActiveUsersUpdateMessage {
	return ActiveUsersUpdateMessage{
		Type:  MessageTypeActiveUsersUpdate,
		Users: r.Presence.Snapshot(),
		Locks: r.Locks.Snapshot(),
		Seq:   r.seq,
	}
}

// broadcast delivers a message to every client in the room and publishes it
// to the relay for other nodes
func (r *Room) broadcast(msg Message) {
	r.broadcastExcept(msg, nil)
}

func (r *Room) broadcastExcept(msg Message, except *WSClient) {
	data, err := MarshalMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal broadcast diagram_id=%s type=%s error=%v", r.DiagramID, msg.GetMessageType(), err)
		return
	}

	r.fanout(data, msg.GetMessageType(), except)

	if r.relay != nil {
		if err := r.relay.Publish(context.Background(), r.DiagramID, data); err != nil {
			slogging.Get().Warn("Relay publish failed diagram_id=%s error=%v", r.DiagramID, err)
		}
	}
}

// fanout enqueues a frame to every client. A client whose send buffer is
// full is evicted rather than allowed to stall the room.
func (r *Room) fanout(data []byte, mt MessageType, except *WSClient) {
	start := time.Now()

	r.mu.Lock()
	var evicted []*WSClient
	for client := range r.Clients {
		if client == except {
			continue
		}
		select {
		case client.Send <- data:
			metrics.MessagesSent.WithLabelValues(string(mt)).Inc()
			slogging.LogWebSocketMessage(slogging.WSMessageOutbound, r.DiagramID, client.User.UserID, string(mt), data, r.wsLog)
		default:
			evicted = append(evicted, client)
		}
	}
	for _, client := range evicted {
		delete(r.Clients, client)
		close(client.Send)
		metrics.ActiveConnections.Dec()
		metrics.ClientEvictions.Inc()
	}
	r.mu.Unlock()

	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())

	for _, client := range evicted {
		slogging.Get().Warn("Evicted slow client user_id=%s diagram_id=%s", client.User.UserID, r.DiagramID)
		r.departUser(client.User)
	}
}

// sendTo delivers a message to a single client
func (r *Room) sendTo(client *WSClient, msg Message) {
	data, err := MarshalMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal message diagram_id=%s type=%s error=%v", r.DiagramID, msg.GetMessageType(), err)
		return
	}

	r.mu.Lock()
	_, registered := r.Clients[client]
	delivered := false
	if registered {
		select {
		case client.Send <- data:
			delivered = true
		default:
			delete(r.Clients, client)
			close(client.Send)
			metrics.ActiveConnections.Dec()
			metrics.ClientEvictions.Inc()
		}
	}
	r.mu.Unlock()

	if delivered {
		metrics.MessagesSent.WithLabelValues(string(msg.GetMessageType())).Inc()
		slogging.LogWebSocketMessage(slogging.WSMessageOutbound, r.DiagramID, client.User.UserID, string(msg.GetMessageType()), data, r.wsLog)
	} else if registered {
		slogging.Get().Warn("Evicted slow client user_id=%s diagram_id=%s", client.User.UserID, r.DiagramID)
		r.departUser(client.User)
	}
}

// sendError delivers a targeted, non-fatal protocol error
func (r *Room) sendError(client *WSClient, message string) {
	r.sendTo(client, ErrorMessage{
		Type:      MessageTypeError,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}
