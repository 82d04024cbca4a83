package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cursorSample struct {
	x, y float64
}

type cursorRecorder struct {
	mu      sync.Mutex
	samples []cursorSample
}

func (r *cursorRecorder) record(x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, cursorSample{x: x, y: y})
}

func (r *cursorRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func (r *cursorRecorder) snapshot() []cursorSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cursorSample, len(r.samples))
	copy(out, r.samples)
	return out
}

func TestCursorThrottlerLeadingEdge(t *testing.T) {
	rec := &cursorRecorder{}
	th := NewCursorThrottler(50*time.Millisecond, rec.record)
	defer th.Close()

	// The first move after idle goes straight through, no delay
	assert.True(t, th.Move(10, 20))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, cursorSample{x: 10, y: 20}, rec.snapshot()[0])
}

func TestCursorThrottlerSuppressesBurst(t *testing.T) {
	rec := &cursorRecorder{}
	th := NewCursorThrottler(50*time.Millisecond, rec.record)
	defer th.Close()

	assert.True(t, th.Move(1, 1))
	assert.False(t, th.Move(2, 2))
	assert.False(t, th.Move(3, 3))
	assert.False(t, th.Move(4, 4))
	assert.False(t, th.Move(5, 5))

	// Suppressed positions are gone for good, never delivered late
	time.Sleep(120 * time.Millisecond)
	samples := rec.snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, cursorSample{x: 1, y: 1}, samples[0])
}

func TestCursorThrottlerResumesAfterIdle(t *testing.T) {
	rec := &cursorRecorder{}
	th := NewCursorThrottler(50*time.Millisecond, rec.record)
	defer th.Close()

	assert.True(t, th.Move(1, 1))
	assert.False(t, th.Move(2, 2))

	time.Sleep(80 * time.Millisecond)
	assert.True(t, th.Move(9, 9))

	samples := rec.snapshot()
	require.Len(t, samples, 2)
	assert.Equal(t, cursorSample{x: 1, y: 1}, samples[0])
	assert.Equal(t, cursorSample{x: 9, y: 9}, samples[1])
}

func TestCursorThrottlerClose(t *testing.T) {
	rec := &cursorRecorder{}
	th := NewCursorThrottler(50*time.Millisecond, rec.record)

	assert.True(t, th.Move(1, 1))
	th.Close()

	// Moves after close do nothing at all
	assert.False(t, th.Move(3, 3))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestCursorThrottlerDefaultInterval(t *testing.T) {
	th := NewCursorThrottler(0, func(x, y float64) {})
	defer th.Close()
	assert.Equal(t, DefaultCursorInterval, th.interval)
}
