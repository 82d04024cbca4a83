package api

import (
	"sync"
	"time"
)

// userColors is the presentation palette cycled through in join order.
// Assignment is deterministic for a given join sequence so every client
// renders the same color for the same user.
var userColors = []string{
	"#2E86DE", "#10AC84", "#EE5253", "#F368E0",
	"#FF9F43", "#00D2D3", "#5F27CD", "#576574",
}

// Presence describes one participant with join metadata and the last
// cursor position reported on this connection, nil until the first move
type Presence struct {
	User     User            `json:"user"`
	JoinedAt time.Time       `json:"joined_at"`
	LastSeen time.Time       `json:"last_seen"`
	Cursor   *CursorPosition `json:"cursor,omitempty"`
}

// PresenceTracker is the canonical presence set for one diagram. A user
// appears at most once regardless of connection races; snapshot order is
// join order.
type PresenceTracker struct {
	mu       sync.RWMutex
	users    map[string]*presenceEntry
	order    []string
	colorIdx int
}

type presenceEntry struct {
	user     User
	joinedAt time.Time
	lastSeen time.Time
	cursor   *CursorPosition
}

// NewPresenceTracker creates an empty presence set
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		users: make(map[string]*presenceEntry),
	}
}

// Join adds a user to the presence set. The stored user (carrying the
// assigned color) and whether the user was new are returned. Joining twice
// keeps the original color and join position.
func (p *PresenceTracker) Join(user User, now time.Time) (User, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.users[user.UserID]; ok {
		// Reconnect of a known user: refresh activity, keep identity
		// stable. The old connection's cursor position is stale, so it
		// resets to unknown until the user moves again.
		if user.DisplayName != "" {
			entry.user.DisplayName = user.DisplayName
		}
		entry.lastSeen = now
		entry.cursor = nil
		return entry.user, false
	}

	user.Color = userColors[p.colorIdx%len(userColors)]
	p.colorIdx++

	p.users[user.UserID] = &presenceEntry{
		user:     user,
		joinedAt: now,
		lastSeen: now,
	}
	p.order = append(p.order, user.UserID)

	return user, true
}

// Leave removes a user, reporting whether the user was present
func (p *PresenceTracker) Leave(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.users[userID]; !ok {
		return false
	}
	delete(p.users, userID)

	for i, id := range p.order {
		if id == userID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// Touch refreshes a user's last-seen time on any inbound traffic
func (p *PresenceTracker) Touch(userID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok {
		return false
	}
	entry.lastSeen = now
	return true
}

// UpdateCursor records a user's last-known cursor position. Cursor
// traffic counts as activity, so last-seen refreshes too.
func (p *PresenceTracker) UpdateCursor(userID string, pos CursorPosition, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok {
		return false
	}
	entry.cursor = &pos
	entry.lastSeen = now
	return true
}

// Cursor returns a user's last-known cursor position, if one has been
// reported on the current connection
func (p *PresenceTracker) Cursor(userID string) (CursorPosition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.users[userID]
	if !ok || entry.cursor == nil {
		return CursorPosition{}, false
	}
	return *entry.cursor, true
}

// Get returns the stored user record
func (p *PresenceTracker) Get(userID string) (User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.users[userID]
	if !ok {
		return User{}, false
	}
	return entry.user, true
}

// Count returns the number of present users
func (p *PresenceTracker) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// Snapshot returns the user list in join order
func (p *PresenceTracker) Snapshot() []User {
	p.mu.RLock()
	defer p.mu.RUnlock()

	users := make([]User, 0, len(p.order))
	for _, id := range p.order {
		if entry, ok := p.users[id]; ok {
			users = append(users, entry.user)
		}
	}
	return users
}

// PresenceSnapshot returns the user list with join metadata in join order
func (p *PresenceTracker) PresenceSnapshot() []Presence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Presence, 0, len(p.order))
	for _, id := range p.order {
		if entry, ok := p.users[id]; ok {
			pr := Presence{
				User:     entry.user,
				JoinedAt: entry.joinedAt,
				LastSeen: entry.lastSeen,
			}
			if entry.cursor != nil {
				c := *entry.cursor
				pr.Cursor = &c
			}
			out = append(out, pr)
		}
	}
	return out
}
