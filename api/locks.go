package api

import (
	"sync"
	"time"
)

// LockOutcome classifies the result of an acquire attempt
type LockOutcome int

const (
	// LockGranted means the element was free and is now held by the requester
	LockGranted LockOutcome = iota
	// LockRefreshed means the requester already held the element; the
	// timestamp was renewed
	LockRefreshed
	// LockDenied means another user holds the element
	LockDenied
)

// ReleaseOutcome classifies the result of a release attempt
type ReleaseOutcome int

const (
	// ReleaseOK means the lock was held by the requester and is now free
	ReleaseOK ReleaseOutcome = iota
	// ReleaseNotLocked means no lock existed for the element
	ReleaseNotLocked
	// ReleaseNotHolder means another user holds the lock; it stands
	ReleaseNotHolder
)

// LockResult reports an acquire attempt. Lock is set on grant or refresh,
// Holder on denial.
type LockResult struct {
	Outcome LockOutcome
	Lock    ElementLock
	Holder  User
}

// LockCoordinator is the advisory lock table for one diagram. At most one
// holder exists per element at any instant. Locks are cooperative UI
// arbitration only; edit events are never rejected for lack of a lock.
type LockCoordinator struct {
	mu    sync.RWMutex
	locks map[string]*ElementLock
	order []string // element IDs in acquisition order
}

// NewLockCoordinator creates an empty lock table
func NewLockCoordinator() *LockCoordinator {
	return &LockCoordinator{
		locks: make(map[string]*ElementLock),
	}
}

// Acquire grants the element to the user if it is free. A repeat acquire by
// the current holder renews the timestamp instead of failing, so a client
// may refresh its claim without a release round trip.
func (lc *LockCoordinator) Acquire(elementID string, user User, now time.Time) LockResult {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if existing, ok := lc.locks[elementID]; ok {
		if existing.User.UserID == user.UserID {
			existing.LockedAt = now
			return LockResult{Outcome: LockRefreshed, Lock: *existing}
		}
		return LockResult{Outcome: LockDenied, Holder: existing.User}
	}

	lock := &ElementLock{
		ElementID: elementID,
		User:      user,
		LockedAt:  now,
	}
	lc.locks[elementID] = lock
	lc.order = append(lc.order, elementID)

	return LockResult{Outcome: LockGranted, Lock: *lock}
}

// Release frees the element if the requester holds it. A non-holder release
// is refused and the lock stands.
func (lc *LockCoordinator) Release(elementID, userID string) ReleaseOutcome {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	existing, ok := lc.locks[elementID]
	if !ok {
		return ReleaseNotLocked
	}
	if existing.User.UserID != userID {
		return ReleaseNotHolder
	}

	lc.removeLocked(elementID)
	return ReleaseOK
}

// ReleaseAll frees every lock held by a departing user and returns the
// released element IDs in acquisition order.
func (lc *LockCoordinator) ReleaseAll(userID string) []string {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	var released []string
	for _, elementID := range lc.order {
		if lock, ok := lc.locks[elementID]; ok && lock.User.UserID == userID {
			released = append(released, elementID)
		}
	}
	for _, elementID := range released {
		lc.removeLocked(elementID)
	}
	return released
}

// Expire frees locks whose timestamp is older than the TTL window and
// returns them in acquisition order. A non-positive TTL disables expiry.
func (lc *LockCoordinator) Expire(now time.Time, ttl time.Duration) []ElementLock {
	if ttl <= 0 {
		return nil
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	cutoff := now.Add(-ttl)
	var expired []ElementLock
	for _, elementID := range lc.order {
		if lock, ok := lc.locks[elementID]; ok && lock.LockedAt.Before(cutoff) {
			expired = append(expired, *lock)
		}
	}
	for _, lock := range expired {
		lc.removeLocked(lock.ElementID)
	}
	return expired
}

// Holder returns the user holding the element, if any
func (lc *LockCoordinator) Holder(elementID string) (User, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	lock, ok := lc.locks[elementID]
	if !ok {
		return User{}, false
	}
	return lock.User, true
}

// Count returns the number of held locks
func (lc *LockCoordinator) Count() int {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return len(lc.locks)
}

// Snapshot returns the lock table in acquisition order
func (lc *LockCoordinator) Snapshot() []ElementLock {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	out := make([]ElementLock, 0, len(lc.locks))
	for _, elementID := range lc.order {
		if lock, ok := lc.locks[elementID]; ok {
			out = append(out, *lock)
		}
	}
	return out
}

// removeLocked deletes an entry; callers hold the write lock
func (lc *LockCoordinator) removeLocked(elementID string) {
	delete(lc.locks, elementID)
	for i, id := range lc.order {
		if id == elementID {
			lc.order = append(lc.order[:i], lc.order[i+1:]...)
			break
		}
	}
}
