package client

import (
	"sync"
	"time"
)

// DefaultCursorInterval is the minimum spacing between outbound cursor
// positions when the caller does not configure one
const DefaultCursorInterval = 100 * time.Millisecond

// CursorThrottler rate-limits outbound pointer positions to one per
// interval. The first move after an idle stretch is sent immediately;
// moves inside the interval are suppressed outright, never queued or
// delayed. Cursor data is display-only, so a suppressed position costs
// nothing once a newer one exists.
type CursorThrottler struct {
	mu       sync.Mutex
	interval time.Duration
	send     func(x, y float64)
	last     time.Time
	closed   bool
}

// NewCursorThrottler creates a throttler delivering positions through send.
// A non-positive interval falls back to DefaultCursorInterval.
func NewCursorThrottler(interval time.Duration, send func(x, y float64)) *CursorThrottler {
	if interval <= 0 {
		interval = DefaultCursorInterval
	}
	return &CursorThrottler{
		interval: interval,
		send:     send,
		// Backdate so the very first move passes straight through
		last: time.Now().Add(-interval),
	}
}

// Move offers a new pointer position and reports whether it went out.
// An attempt inside the minimum interval is dropped; Move never blocks
// on the network beyond the send callback itself.
func (t *CursorThrottler) Move(x, y float64) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}

	now := time.Now()
	if now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return false
	}
	t.last = now
	send := t.send
	t.mu.Unlock()

	send(x, y)
	return true
}

// Close stops the throttler; every later move is suppressed
func (t *CursorThrottler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
