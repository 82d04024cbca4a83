package client

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the connection lifecycle state of a session
type State int

const (
	// StateIdle is the state before Connect
	StateIdle State = iota
	// StateConnecting covers the first dial
	StateConnecting
	// StateConnected means live traffic is flowing
	StateConnected
	// StateReconnecting covers every redial after a drop
	StateReconnecting
	// StateClosed is terminal: explicit Close or retries exhausted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted means the reconnect budget is spent; the session is
// closed.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// ReconnectPolicy holds configuration for reconnect behavior
type ReconnectPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultReconnectPolicy returns reasonable defaults for interactive
// editing sessions
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxRetries: 10,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the backoff before the given attempt (1-based), doubling
// from BaseDelay and capped at MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseDelay
	}
	shift := uint(attempt - 1)
	if shift > 30 {
		return p.MaxDelay
	}
	delay := p.BaseDelay * time.Duration(1<<shift)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

// Supervisor owns the session lifecycle state machine and the retry
// arithmetic. Read failures, write failures, and ping timeouts all funnel
// into ToReconnecting, which transitions at most once per drop; redials
// call NextBackoff until it reports exhaustion.
type Supervisor struct {
	mu       sync.Mutex
	state    State
	attempts int
	policy   ReconnectPolicy
	onChange func(State)
}

// NewSupervisor creates a supervisor in StateIdle. onChange fires on every
// transition and may be nil.
func NewSupervisor(policy ReconnectPolicy, onChange func(State)) *Supervisor {
	return &Supervisor{
		state:    StateIdle,
		policy:   policy,
		onChange: onChange,
	}
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ToConnecting marks the first dial. Only valid from StateIdle.
func (s *Supervisor) ToConnecting() bool {
	return s.transition(StateConnecting, StateIdle)
}

// ToConnected marks a live connection and resets the retry budget
func (s *Supervisor) ToConnected() bool {
	s.mu.Lock()
	if s.state != StateConnecting && s.state != StateReconnecting {
		s.mu.Unlock()
		return false
	}
	s.state = StateConnected
	s.attempts = 0
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(StateConnected)
	}
	return true
}

// ToReconnecting is the connection-lost funnel. However many failure paths
// report the same drop, the transition happens once.
func (s *Supervisor) ToReconnecting() bool {
	return s.transition(StateReconnecting, StateConnecting, StateConnected)
}

// ToClosed makes the state terminal
func (s *Supervisor) ToClosed() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(StateClosed)
	}
	return true
}

func (s *Supervisor) transition(to State, from ...State) bool {
	s.mu.Lock()
	allowed := false
	for _, f := range from {
		if s.state == f {
			allowed = true
			break
		}
	}
	if !allowed {
		s.mu.Unlock()
		return false
	}
	s.state = to
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(to)
	}
	return true
}

// NextBackoff consumes one retry attempt and returns the delay before it.
// It returns ErrRetriesExhausted when the budget is spent; a MaxRetries
// of zero or less never exhausts.
func (s *Supervisor) NextBackoff() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.policy.MaxRetries > 0 && s.attempts > s.policy.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return s.policy.Delay(s.attempts), nil
}

// Wait sleeps for the backoff delay, aborting immediately on context
// cancellation
func (s *Supervisor) Wait(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
