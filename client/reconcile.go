package client

import (
	"errors"
	"sync"

	"github.com/ericfitz/syncboard/api"
)

// DefaultIntentBufferCap bounds how many element intents may queue while
// the session is offline
const DefaultIntentBufferCap = 256

var (
	// ErrIntentBufferFull means the offline buffer hit its cap; the edit
	// was rejected, not silently dropped
	ErrIntentBufferFull = errors.New("intent buffer is full")
	// ErrSessionClosed means the session is terminally closed
	ErrSessionClosed = errors.New("session is closed")
)

// Reconciler owns the client's view of the room and the offline edit
// buffer. The user and lock mirrors are fed exclusively by server events;
// local edits never touch them, which keeps every session convergent on
// what the server actually relayed. On a drop the mirrors are cleared so
// stale presence is never rendered, and element intents queue in order
// until the next snapshot primes the mirrors again.
type Reconciler struct {
	mu sync.Mutex

	live   bool
	send   func([]byte) error
	closed bool

	// Oldest first; replayed verbatim before live traffic resumes
	intents   [][]byte
	intentCap int

	users     []api.User
	locks     map[string]api.ElementLock
	lockOrder []string
	seq       uint64
	primed    bool
}

// NewReconciler creates a reconciler with the given offline buffer cap. A
// non-positive cap falls back to DefaultIntentBufferCap.
func NewReconciler(bufferCap int) *Reconciler {
	if bufferCap <= 0 {
		bufferCap = DefaultIntentBufferCap
	}
	return &Reconciler{
		intentCap: bufferCap,
		locks:     make(map[string]api.ElementLock),
	}
}

// SendElement sends an element intent on the live connection, or buffers it
// while the session is reconnecting. Buffered intents keep their issue
// order. Returns ErrIntentBufferFull when offline and the cap is reached,
// ErrSessionClosed after terminal close.
func (r *Reconciler) SendElement(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrSessionClosed
	}
	if r.live {
		if err := r.send(frame); err != nil {
			// The failed write tears the connection down elsewhere; keep
			// the edit at the head of the buffer instead of losing it
			r.live = false
			r.send = nil
			r.intents = append(r.intents, frame)
		}
		return nil
	}
	if len(r.intents) >= r.intentCap {
		return ErrIntentBufferFull
	}
	r.intents = append(r.intents, frame)
	return nil
}

// GoLive replays buffered intents in order through send and then switches
// to live delivery. Replay and the switch happen under one lock, so an
// intent issued concurrently either rides the buffer ahead of the switch or
// goes straight to the wire after it; ordering holds either way. On a
// send failure the failed intent and everything behind it stay buffered
// for the next attempt.
func (r *Reconciler) GoLive(send func([]byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrSessionClosed
	}
	for len(r.intents) > 0 {
		if err := send(r.intents[0]); err != nil {
			return err
		}
		r.intents = r.intents[1:]
	}
	r.live = true
	r.send = send
	return nil
}

// Offline stops live delivery; subsequent element intents buffer
func (r *Reconciler) Offline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = false
	r.send = nil
}

// Clear wipes the user and lock mirrors. Called on every drop: until the
// next snapshot arrives the client knows nothing about the room.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = nil
	r.locks = make(map[string]api.ElementLock)
	r.lockOrder = nil
	r.seq = 0
	r.primed = false
}

// MarkClosed makes the reconciler terminal and abandons buffered intents
func (r *Reconciler) MarkClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.live = false
	r.send = nil
	r.intents = nil
}

// ApplySnapshot replaces both mirrors from an authoritative room snapshot.
// Users and locks prime together; there is no window where one is current
// and the other stale.
func (r *Reconciler) ApplySnapshot(msg api.ActiveUsersUpdateMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.users = make([]api.User, len(msg.Users))
	copy(r.users, msg.Users)

	r.locks = make(map[string]api.ElementLock, len(msg.Locks))
	r.lockOrder = make([]string, 0, len(msg.Locks))
	for _, l := range msg.Locks {
		r.locks[l.ElementID] = l
		r.lockOrder = append(r.lockOrder, l.ElementID)
	}
	r.seq = msg.Seq
	r.primed = true
}

// ApplyUserJoined upserts a user into the presence mirror
func (r *Reconciler) ApplyUserJoined(msg api.UserJoinedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, u := range r.users {
		if u.UserID == msg.User.UserID {
			r.users[i] = msg.User
			return
		}
	}
	r.users = append(r.users, msg.User)
}

// ApplyUserLeft removes a user from the presence mirror
func (r *Reconciler) ApplyUserLeft(msg api.UserLeftMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, u := range r.users {
		if u.UserID == msg.UserID {
			r.users = append(r.users[:i], r.users[i+1:]...)
			return
		}
	}
}

// ApplyLock records a granted or refreshed lock in the lock mirror
func (r *Reconciler) ApplyLock(msg api.ElementLockMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locks[msg.ElementID]; !ok {
		r.lockOrder = append(r.lockOrder, msg.ElementID)
	}
	r.locks[msg.ElementID] = api.ElementLock{
		ElementID: msg.ElementID,
		User:      msg.User,
		LockedAt:  msg.LockedAt,
	}
}

// ApplyUnlock removes a lock from the lock mirror
func (r *Reconciler) ApplyUnlock(msg api.ElementUnlockMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locks[msg.ElementID]; !ok {
		return
	}
	delete(r.locks, msg.ElementID)
	for i, id := range r.lockOrder {
		if id == msg.ElementID {
			r.lockOrder = append(r.lockOrder[:i], r.lockOrder[i+1:]...)
			break
		}
	}
}

// Users returns a copy of the presence mirror in join order
func (r *Reconciler) Users() []api.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.User, len(r.users))
	copy(out, r.users)
	return out
}

// Locks returns a copy of the lock mirror in acquisition order
func (r *Reconciler) Locks() []api.ElementLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.ElementLock, 0, len(r.lockOrder))
	for _, id := range r.lockOrder {
		out = append(out, r.locks[id])
	}
	return out
}

// Lock returns the mirror entry for one element, if any
func (r *Reconciler) Lock(elementID string) (api.ElementLock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[elementID]
	return l, ok
}

// Seq returns the sequence number of the last applied snapshot
func (r *Reconciler) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Primed reports whether a snapshot has arrived since the last drop
func (r *Reconciler) Primed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primed
}

// PendingIntents reports how many element intents await replay
func (r *Reconciler) PendingIntents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.intents)
}
