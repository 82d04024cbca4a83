package client

import (
	"runtime/debug"
	"sync"

	"github.com/ericfitz/syncboard/api"
	"github.com/ericfitz/syncboard/internal/slogging"
)

// Dispatcher routes server events to typed application callbacks. All
// callbacks fire from a single goroutine in registration order, so
// applications never need their own locking to keep event handling
// sequential. A panicking callback is logged and skipped; it never takes
// down the session or the callbacks after it.
type Dispatcher struct {
	mu sync.RWMutex

	elementUpdated  []func(api.ElementUpdateMessage)
	elementCreated  []func(api.ElementCreateMessage)
	elementDeleted  []func(api.ElementDeleteMessage)
	cursorMoved     []func(api.CursorMoveMessage)
	elementLocked   []func(api.ElementLockMessage)
	elementUnlocked []func(api.ElementUnlockMessage)
	lockDenied      []func(api.LockDeniedMessage)
	unlockDenied    []func(api.UnlockDeniedMessage)
	userJoined      []func(api.UserJoinedMessage)
	userLeft        []func(api.UserLeftMessage)
	presenceSync    []func(api.ActiveUsersUpdateMessage)
	protocolError   []func(api.ErrorMessage)
	connectionLost  []func()
	stateChanged    []func(State)

	queue   chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewDispatcher creates a dispatcher and starts its delivery goroutine
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		queue:   make(chan func(), 256),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-d.quit:
			// Drain events accepted before Close so nothing already
			// enqueued is silently lost
			for {
				select {
				case fn := <-d.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Close stops delivery. Events already enqueued are delivered before Close
// returns; nothing fires afterwards.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
	})
	<-d.stopped
}

// OnElementUpdated registers a callback for element mutations by other users
func (d *Dispatcher) OnElementUpdated(fn func(api.ElementUpdateMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elementUpdated = append(d.elementUpdated, fn)
}

// OnElementCreated registers a callback for elements added by other users
func (d *Dispatcher) OnElementCreated(fn func(api.ElementCreateMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elementCreated = append(d.elementCreated, fn)
}

// OnElementDeleted registers a callback for elements removed by other users
func (d *Dispatcher) OnElementDeleted(fn func(api.ElementDeleteMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elementDeleted = append(d.elementDeleted, fn)
}

// OnCursorMoved registers a callback for remote pointer positions
func (d *Dispatcher) OnCursorMoved(fn func(api.CursorMoveMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursorMoved = append(d.cursorMoved, fn)
}

// OnElementLocked registers a callback for granted locks, including the
// session's own
func (d *Dispatcher) OnElementLocked(fn func(api.ElementLockMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elementLocked = append(d.elementLocked, fn)
}

// OnElementUnlocked registers a callback for released locks
func (d *Dispatcher) OnElementUnlocked(fn func(api.ElementUnlockMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elementUnlocked = append(d.elementUnlocked, fn)
}

// OnLockDenied registers a callback for refused lock requests. Denials are
// targeted, so only the requesting session sees them.
func (d *Dispatcher) OnLockDenied(fn func(api.LockDeniedMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lockDenied = append(d.lockDenied, fn)
}

// OnUnlockDenied registers a callback for refused lock releases
func (d *Dispatcher) OnUnlockDenied(fn func(api.UnlockDeniedMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unlockDenied = append(d.unlockDenied, fn)
}

// OnUserJoined registers a callback for users entering the room
func (d *Dispatcher) OnUserJoined(fn func(api.UserJoinedMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userJoined = append(d.userJoined, fn)
}

// OnUserLeft registers a callback for users leaving the room
func (d *Dispatcher) OnUserLeft(fn func(api.UserLeftMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userLeft = append(d.userLeft, fn)
}

// OnPresenceSync registers a callback for authoritative room snapshots
func (d *Dispatcher) OnPresenceSync(fn func(api.ActiveUsersUpdateMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presenceSync = append(d.presenceSync, fn)
}

// OnError registers a callback for targeted protocol errors
func (d *Dispatcher) OnError(fn func(api.ErrorMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protocolError = append(d.protocolError, fn)
}

// OnConnectionLost registers a callback for transport drops. The event is
// synthesized locally; it never arrives on the wire.
func (d *Dispatcher) OnConnectionLost(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectionLost = append(d.connectionLost, fn)
}

// OnConnectionStateChanged registers a callback for lifecycle transitions
func (d *Dispatcher) OnConnectionStateChanged(fn func(State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateChanged = append(d.stateChanged, fn)
}

// dispatchMessage enqueues a server event for delivery. Events arriving
// after Close are dropped.
func (d *Dispatcher) dispatchMessage(msg api.Message) {
	d.enqueue(func() { d.deliver(msg) })
}

// dispatchState enqueues a lifecycle transition for delivery
func (d *Dispatcher) dispatchState(st State) {
	d.enqueue(func() {
		for _, fn := range snapshot(d, &d.stateChanged) {
			d.safeCall(func() { fn(st) })
		}
	})
}

func (d *Dispatcher) enqueue(fn func()) {
	select {
	case <-d.quit:
	case d.queue <- fn:
	}
}

func (d *Dispatcher) deliver(msg api.Message) {
	switch m := msg.(type) {
	case api.ElementUpdateMessage:
		for _, fn := range snapshot(d, &d.elementUpdated) {
			d.safeCall(func() { fn(m) })
		}
	case api.ElementCreateMessage:
		for _, fn := range snapshot(d, &d.elementCreated) {
			d.safeCall(func() { fn(m) })
		}
	case api.ElementDeleteMessage:
		for _, fn := range snapshot(d, &d.elementDeleted) {
			d.safeCall(func() { fn(m) })
		}
	case api.CursorMoveMessage:
		for _, fn := range snapshot(d, &d.cursorMoved) {
			d.safeCall(func() { fn(m) })
		}
	case api.ElementLockMessage:
		for _, fn := range snapshot(d, &d.elementLocked) {
			d.safeCall(func() { fn(m) })
		}
	case api.ElementUnlockMessage:
		for _, fn := range snapshot(d, &d.elementUnlocked) {
			d.safeCall(func() { fn(m) })
		}
	case api.LockDeniedMessage:
		for _, fn := range snapshot(d, &d.lockDenied) {
			d.safeCall(func() { fn(m) })
		}
	case api.UnlockDeniedMessage:
		for _, fn := range snapshot(d, &d.unlockDenied) {
			d.safeCall(func() { fn(m) })
		}
	case api.UserJoinedMessage:
		for _, fn := range snapshot(d, &d.userJoined) {
			d.safeCall(func() { fn(m) })
		}
	case api.UserLeftMessage:
		for _, fn := range snapshot(d, &d.userLeft) {
			d.safeCall(func() { fn(m) })
		}
	case api.ActiveUsersUpdateMessage:
		for _, fn := range snapshot(d, &d.presenceSync) {
			d.safeCall(func() { fn(m) })
		}
	case api.ErrorMessage:
		for _, fn := range snapshot(d, &d.protocolError) {
			d.safeCall(func() { fn(m) })
		}
	case api.ConnectionLostMessage:
		for _, fn := range snapshot(d, &d.connectionLost) {
			d.safeCall(fn)
		}
	default:
		slogging.Get().Debug("Dropping event with no client-side handler: %s", msg.GetMessageType())
	}
}

func (d *Dispatcher) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slogging.Get().Error("Panic in event callback: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}

// snapshot copies out a handler slice header so callbacks run without the
// lock held; a callback may then register further handlers freely.
func snapshot[T any](d *Dispatcher, handlers *[]T) []T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return *handlers
}
