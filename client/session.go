// Package client is the collaborative editing SDK for syncboard servers.
// A Session owns one authenticated WebSocket per diagram and layers typed
// event dispatch, cursor throttling, presence and lock mirrors, and
// automatic reconnection with intent replay on top of it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/ericfitz/syncboard/api"
	"github.com/ericfitz/syncboard/internal/slogging"
)

// ErrNotConnected means the operation needs a live connection and the
// session does not have one right now
var ErrNotConnected = errors.New("session is not connected")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 90 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// SessionConfig describes how to reach one diagram room
type SessionConfig struct {
	// ServerURL is the server base URL; http(s) schemes are rewritten to
	// ws(s)
	ServerURL string
	// DiagramID selects the room
	DiagramID string
	// Token is the JWT presented during the WebSocket handshake
	Token string

	// CursorInterval spaces outbound cursor positions; zero means
	// DefaultCursorInterval
	CursorInterval time.Duration
	// IntentBufferCap bounds offline edit buffering; zero means
	// DefaultIntentBufferCap
	IntentBufferCap int
	// Reconnect controls redial backoff; the zero value means
	// DefaultReconnectPolicy
	Reconnect ReconnectPolicy

	// HandshakeTimeout bounds the dial plus the wait for the join
	// snapshot; zero means 10s
	HandshakeTimeout time.Duration
	// ReadTimeout drops the connection when the server goes silent past
	// it; server pings reset the clock. Zero means 90s.
	ReadTimeout time.Duration
	// WriteTimeout bounds each outbound frame; zero means 10s
	WriteTimeout time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.CursorInterval <= 0 {
		c.CursorInterval = DefaultCursorInterval
	}
	if c.IntentBufferCap <= 0 {
		c.IntentBufferCap = DefaultIntentBufferCap
	}
	if c.Reconnect == (ReconnectPolicy{}) {
		c.Reconnect = DefaultReconnectPolicy()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}

// tokenSubject peeks at the token's subject claim without checking the
// signature; the server performs the real validation at dial time
func tokenSubject(token string) string {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return ""
	}
	return claims.Subject
}

func (c *SessionConfig) wsURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/diagrams/" + c.DiagramID
	q := u.Query()
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Session is a client connection to one diagram room. Edits and lock
// requests go out through it; everything the server relays comes back
// through the Events dispatcher. The presence and lock mirrors are fed
// only by server events, so they show what the room has acknowledged, not
// what this client has attempted.
//
// Close must not be called from inside an event callback.
type Session struct {
	cfg    SessionConfig
	userID string

	dispatcher *Dispatcher
	reconciler *Reconciler
	supervisor *Supervisor
	throttler  *CursorThrottler

	mu        sync.Mutex
	conn      *websocket.Conn
	lastErr   error
	runCancel context.CancelFunc

	writeMu sync.Mutex

	lostCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSession creates a session for one diagram. Register callbacks via
// Events before calling Connect so no early event is missed.
func NewSession(cfg SessionConfig) *Session {
	cfg.applyDefaults()

	s := &Session{
		cfg:        cfg,
		userID:     tokenSubject(cfg.Token),
		dispatcher: NewDispatcher(),
		reconciler: NewReconciler(cfg.IntentBufferCap),
		lostCh:     make(chan struct{}, 1),
	}
	s.supervisor = NewSupervisor(cfg.Reconnect, s.dispatcher.dispatchState)
	s.throttler = NewCursorThrottler(cfg.CursorInterval, s.sendCursor)

	// Mirror maintenance registers first so application callbacks always
	// observe the mirrors with the triggering event already applied
	s.dispatcher.OnPresenceSync(s.reconciler.ApplySnapshot)
	s.dispatcher.OnUserJoined(s.reconciler.ApplyUserJoined)
	s.dispatcher.OnUserLeft(s.reconciler.ApplyUserLeft)
	s.dispatcher.OnElementLocked(s.reconciler.ApplyLock)
	s.dispatcher.OnElementUnlocked(s.reconciler.ApplyUnlock)

	return s
}

// Events exposes the typed callback registry
func (s *Session) Events() *Dispatcher {
	return s.dispatcher
}

// State returns the connection lifecycle state
func (s *Session) State() State {
	return s.supervisor.State()
}

// UserID returns the identity this session authenticated as, taken from
// the token's subject claim. Empty when the token does not parse.
func (s *Session) UserID() string {
	return s.userID
}

// LastError returns the most recent transport error, if any
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Users returns the presence mirror in join order
func (s *Session) Users() []api.User {
	return s.reconciler.Users()
}

// Locks returns the lock mirror in acquisition order
func (s *Session) Locks() []api.ElementLock {
	return s.reconciler.Locks()
}

// LockHolder returns who holds the lock on an element, if anyone
func (s *Session) LockHolder(elementID string) (api.User, bool) {
	l, ok := s.reconciler.Lock(elementID)
	return l.User, ok
}

// IsElementLocked reports whether any user holds a lock on the element
func (s *Session) IsElementLocked(elementID string) bool {
	_, ok := s.reconciler.Lock(elementID)
	return ok
}

// IsElementLockedByMe reports whether this session's own user holds the
// lock on the element
func (s *Session) IsElementLockedByMe(elementID string) bool {
	if s.userID == "" {
		return false
	}
	l, ok := s.reconciler.Lock(elementID)
	return ok && l.User.UserID == s.userID
}

// Seq returns the sequence number of the last room snapshot
func (s *Session) Seq() uint64 {
	return s.reconciler.Seq()
}

// Connect dials the server, authenticates, and waits for the join
// snapshot. A handshake failure funnels into the same backoff loop as a
// mid-session drop, so Connect returns nil once a connection is live, or
// an error once retries are exhausted or ctx is done; either failure
// closes the session. Valid once per session.
func (s *Session) Connect(ctx context.Context) error {
	if !s.supervisor.ToConnecting() {
		return fmt.Errorf("connect is only valid on an idle session")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.runCancel = cancel
	s.mu.Unlock()

	if err := s.establish(ctx, false); err != nil {
		s.setLastErr(err)
		// A failed write during intent replay reports the drop on its own
		// goroutine, which may win the transition; enter the retry loop
		// whichever path moved the state
		if s.supervisor.ToReconnecting() || s.supervisor.State() == StateReconnecting {
			err = s.reconnectLoop(ctx)
		}
		if err != nil {
			s.shutdown()
			return err
		}
	}

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Close tears the session down. It is idempotent and terminal: buffered
// intents are abandoned and no callback fires after it returns.
func (s *Session) Close() error {
	s.shutdown()
	s.wg.Wait()
	return nil
}

// Reconnect drops the current connection and lets supervision redial.
// No-op unless connected.
func (s *Session) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.connectionLost(conn, errors.New("reconnect requested"))
	}
}

// UpdateElement sends a mutation of an existing element. The element
// payload is opaque beyond its required id field. While reconnecting the
// intent buffers in order; after Close it fails with ErrSessionClosed.
func (s *Session) UpdateElement(element json.RawMessage) error {
	frame, err := api.MarshalMessage(api.ElementUpdateMessage{
		Type:    api.MessageTypeElementUpdate,
		Element: element,
	})
	if err != nil {
		return err
	}
	return s.reconciler.SendElement(frame)
}

// CreateElement sends a new element. Buffering rules match UpdateElement.
func (s *Session) CreateElement(element json.RawMessage) error {
	frame, err := api.MarshalMessage(api.ElementCreateMessage{
		Type:    api.MessageTypeElementCreate,
		Element: element,
	})
	if err != nil {
		return err
	}
	return s.reconciler.SendElement(frame)
}

// DeleteElement sends an element removal. Buffering rules match
// UpdateElement.
func (s *Session) DeleteElement(elementID string) error {
	frame, err := api.MarshalMessage(api.ElementDeleteMessage{
		Type:      api.MessageTypeElementDelete,
		ElementID: elementID,
	})
	if err != nil {
		return err
	}
	return s.reconciler.SendElement(frame)
}

// MoveCursor shares a pointer position. At most one position per
// CursorInterval goes out; attempts inside the interval are dropped, as
// are positions while the session is not connected. Stale cursor data is
// never buffered or replayed.
func (s *Session) MoveCursor(x, y float64) {
	s.throttler.Move(x, y)
}

// RequestLock asks for an advisory lock on one element. The outcome
// arrives as an event: OnElementLocked on grant, OnLockDenied on refusal.
// Lock requests never buffer offline.
func (s *Session) RequestLock(elementID string) error {
	if s.supervisor.State() != StateConnected {
		return ErrNotConnected
	}
	frame, err := api.MarshalMessage(api.LockRequestMessage{
		Type:      api.MessageTypeLockRequest,
		ElementID: elementID,
	})
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

// ReleaseLock gives up an advisory lock. The outcome arrives as an event:
// OnElementUnlocked on success, OnUnlockDenied on refusal.
func (s *Session) ReleaseLock(elementID string) error {
	if s.supervisor.State() != StateConnected {
		return ErrNotConnected
	}
	frame, err := api.MarshalMessage(api.UnlockRequestMessage{
		Type:      api.MessageTypeUnlockRequest,
		ElementID: elementID,
	})
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

// RequestResync asks the server for a fresh authoritative snapshot
func (s *Session) RequestResync() error {
	if s.supervisor.State() != StateConnected {
		return ErrNotConnected
	}
	frame, err := api.MarshalMessage(api.ResyncRequestMessage{
		Type: api.MessageTypeResyncRequest,
	})
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

// establish dials, waits for the join snapshot, primes the mirrors,
// replays any buffered intents, and starts the read loop.
func (s *Session) establish(ctx context.Context, reconnecting bool) error {
	wsURL, err := s.cfg.wsURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	if reconnecting {
		// The join snapshot arrives unbidden, but an explicit resync makes
		// reconciliation independent of registration timing; a duplicate
		// snapshot re-primes the same mirrors
		frame, err := api.MarshalMessage(api.ResyncRequestMessage{Type: api.MessageTypeResyncRequest})
		if err == nil {
			err = s.writeOn(conn, frame)
		}
		if err != nil {
			conn.Close()
			return err
		}
	}

	snapshot, err := s.awaitSnapshot(conn)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	s.reconciler.ApplySnapshot(snapshot)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	send := func(frame []byte) error { return s.writeOn(conn, frame) }
	if err := s.reconciler.GoLive(send); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		return err
	}

	if !s.supervisor.ToConnected() {
		conn.Close()
		return ErrSessionClosed
	}

	s.dispatcher.dispatchMessage(snapshot)

	s.wg.Add(1)
	go s.readLoop(conn)
	return nil
}

// awaitSnapshot reads frames until the authoritative room snapshot
// arrives. The server sends it first on registration; anything else
// landing earlier is relay noise from a racing peer and is skipped.
func (s *Session) awaitSnapshot(conn *websocket.Conn) (api.ActiveUsersUpdateMessage, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	conn.SetReadDeadline(deadline)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return api.ActiveUsersUpdateMessage{}, fmt.Errorf("waiting for room snapshot: %w", err)
		}
		msg, err := api.ParseMessage(data)
		if err != nil {
			continue
		}
		if snap, ok := msg.(api.ActiveUsersUpdateMessage); ok {
			return snap, nil
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connectionLost(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := api.ParseMessage(data)
		if err != nil {
			// A frame we cannot decode is dropped, not fatal; the
			// application hears about it through the error callback
			slogging.Get().Debug("Dropping unparseable frame from server: %v", err)
			s.dispatcher.dispatchMessage(api.ErrorMessage{
				Type:      api.MessageTypeError,
				Message:   fmt.Sprintf("unreadable server frame: %v", err),
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		s.dispatcher.dispatchMessage(msg)
	}
}

// connectionLost is the single funnel for transport drops: read failures,
// write failures, and ping timeouts all land here. Only the goroutine
// that owns the current connection wins; duplicates and drops of already
// superseded connections return without effect.
func (s *Session) connectionLost(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.lastErr = cause
	s.mu.Unlock()
	conn.Close()

	if !s.supervisor.ToReconnecting() {
		return
	}

	slogging.Get().Debug("Connection to diagram %s lost: %v", s.cfg.DiagramID, cause)
	s.reconciler.Offline()
	s.reconciler.Clear()
	s.dispatcher.dispatchMessage(api.ConnectionLostMessage{Type: api.MessageTypeConnectionLost})

	select {
	case s.lostCh <- struct{}{}:
	default:
	}
}

// run supervises the session after the first successful connect,
// redialing on every drop until close or exhaustion
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.lostCh:
			// A drop reported before run started may already have been
			// recovered by Connect; redial only from Reconnecting
			if s.supervisor.State() != StateReconnecting {
				continue
			}
			if err := s.reconnectLoop(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				slogging.Get().Warn("Abandoning diagram %s: %v", s.cfg.DiagramID, err)
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) reconnectLoop(ctx context.Context) error {
	for {
		delay, err := s.supervisor.NextBackoff()
		if err != nil {
			return err
		}
		slogging.Get().Debug("Reconnecting to diagram %s after %s", s.cfg.DiagramID, delay)
		if err := s.supervisor.Wait(ctx, delay); err != nil {
			return err
		}
		if err := s.establish(ctx, true); err != nil {
			s.setLastErr(err)
			slogging.Get().Debug("Reconnect to diagram %s failed: %v", s.cfg.DiagramID, err)
			continue
		}
		return nil
	}
}

func (s *Session) sendCursor(x, y float64) {
	frame, err := api.MarshalMessage(api.CursorMoveMessage{
		Type:   api.MessageTypeCursorMove,
		Cursor: api.CursorPosition{X: x, Y: y},
	})
	if err != nil {
		return
	}
	if err := s.writeFrame(frame); err != nil {
		slogging.Get().Debug("Dropping cursor position: %v", err)
	}
}

func (s *Session) writeFrame(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return s.writeOn(conn, frame)
}

// writeOn serializes writers on one connection. A write failure reports
// the drop asynchronously so callers already holding locks cannot
// deadlock against the teardown path.
func (s *Session) writeOn(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		go s.connectionLost(conn, err)
		return err
	}
	return nil
}

func (s *Session) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// shutdown is the terminal cleanup path shared by Close and retry
// exhaustion
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.supervisor.ToClosed()

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		cancel := s.runCancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}
		s.throttler.Close()
		s.reconciler.MarkClosed()
		s.dispatcher.Close()
	})
}
