package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/syncboard/api"
	"github.com/ericfitz/syncboard/auth"
)

func newCollabServer(t *testing.T) (*httptest.Server, *auth.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authService, err := auth.NewService("client-sdk-test-secret-0123456789", time.Hour)
	require.NoError(t, err)

	cfg := api.DefaultHubConfig()
	cfg.Room.SendBufferSize = 16
	hub := api.NewHub(cfg, nil)
	t.Cleanup(func() { hub.Shutdown(context.Background()) })

	server := api.NewServer(hub)
	r := gin.New()
	server.RegisterHandlers(r, auth.NewMiddleware(authService))

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, authService
}

func newTestSession(t *testing.T, ts *httptest.Server, authService *auth.Service, diagramID, userID, displayName string) *Session {
	t.Helper()

	token, err := authService.GenerateToken(userID, displayName)
	require.NoError(t, err)

	sess := NewSession(SessionConfig{
		ServerURL:      ts.URL,
		DiagramID:      diagramID,
		Token:          token,
		CursorInterval: 50 * time.Millisecond,
		Reconnect: ReconnectPolicy{
			MaxRetries: 50,
			BaseDelay:  20 * time.Millisecond,
			MaxDelay:   100 * time.Millisecond,
		},
	})
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func connectSession(t *testing.T, ts *httptest.Server, authService *auth.Service, diagramID, userID, displayName string) *Session {
	t.Helper()
	sess := newTestSession(t, ts, authService, diagramID, userID, displayName)
	require.NoError(t, sess.Connect(context.Background()))
	return sess
}

func recvEvent[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	panic("unreachable")
}

// waitState reads state transitions until the wanted one appears
func waitState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

func TestSessionConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping client integration test in short mode")
	}

	ts, authService := newCollabServer(t)

	t.Run("Connect Primes The Mirrors", func(t *testing.T) {
		sess := connectSession(t, ts, authService, uuid.New().String(), "alice", "Alice")

		assert.Equal(t, StateConnected, sess.State())
		assert.Equal(t, "alice", sess.UserID())

		users := sess.Users()
		require.Len(t, users, 1)
		assert.Equal(t, "alice", users[0].UserID)
		assert.Equal(t, "Alice", users[0].DisplayName)
		assert.NotEmpty(t, users[0].Color)
		assert.Empty(t, sess.Locks())
	})

	t.Run("Connect Twice Fails", func(t *testing.T) {
		sess := connectSession(t, ts, authService, uuid.New().String(), "alice", "Alice")

		assert.Error(t, sess.Connect(context.Background()))
	})

	t.Run("Bad Token Exhausts And Closes", func(t *testing.T) {
		sess := NewSession(SessionConfig{
			ServerURL: ts.URL,
			DiagramID: uuid.New().String(),
			Token:     "not-a-jwt",
			Reconnect: ReconnectPolicy{
				MaxRetries: 2,
				BaseDelay:  10 * time.Millisecond,
				MaxDelay:   20 * time.Millisecond,
			},
		})
		t.Cleanup(func() { _ = sess.Close() })

		err := sess.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, StateClosed, sess.State())
		assert.Error(t, sess.LastError())
		assert.Empty(t, sess.UserID())
	})

	t.Run("Cancelled Context Aborts Connect", func(t *testing.T) {
		dead := httptest.NewServer(nil)
		dead.Close()

		sess := NewSession(SessionConfig{
			ServerURL: dead.URL,
			DiagramID: uuid.New().String(),
			Token:     "irrelevant",
			Reconnect: ReconnectPolicy{
				MaxRetries: 0,
				BaseDelay:  50 * time.Millisecond,
				MaxDelay:   50 * time.Millisecond,
			},
		})
		t.Cleanup(func() { _ = sess.Close() })

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := sess.Connect(ctx)
		require.Error(t, err)
		assert.Equal(t, StateClosed, sess.State())
	})
}

func TestSessionEventFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping client integration test in short mode")
	}

	ts, authService := newCollabServer(t)
	diagramID := uuid.New().String()

	alice := newTestSession(t, ts, authService, diagramID, "alice", "Alice")
	bob := newTestSession(t, ts, authService, diagramID, "bob", "Bob")

	aliceUpdates := make(chan api.ElementUpdateMessage, 8)
	alice.Events().OnElementUpdated(func(m api.ElementUpdateMessage) { aliceUpdates <- m })
	joined := make(chan api.UserJoinedMessage, 8)
	alice.Events().OnUserJoined(func(m api.UserJoinedMessage) { joined <- m })

	bobUpdates := make(chan api.ElementUpdateMessage, 8)
	bob.Events().OnElementUpdated(func(m api.ElementUpdateMessage) { bobUpdates <- m })
	bobCreates := make(chan api.ElementCreateMessage, 8)
	bob.Events().OnElementCreated(func(m api.ElementCreateMessage) { bobCreates <- m })
	bobDeletes := make(chan api.ElementDeleteMessage, 8)
	bob.Events().OnElementDeleted(func(m api.ElementDeleteMessage) { bobDeletes <- m })

	require.NoError(t, alice.Connect(context.Background()))
	require.NoError(t, bob.Connect(context.Background()))

	t.Run("Join Is Announced And Mirrored", func(t *testing.T) {
		ev := recvEvent(t, joined, "user joined event")
		assert.Equal(t, "bob", ev.User.UserID)

		require.Eventually(t, func() bool {
			return len(alice.Users()) == 2
		}, 2*time.Second, 10*time.Millisecond)
		assert.Len(t, bob.Users(), 2)
	})

	t.Run("Updates Reach The Other Side Stamped", func(t *testing.T) {
		require.NoError(t, alice.UpdateElement(json.RawMessage(`{"id":"e1","x":100}`)))

		ev := recvEvent(t, bobUpdates, "element update")
		assert.Equal(t, "alice", ev.UserID)
		assert.NotZero(t, ev.Seq)
		assert.JSONEq(t, `{"id":"e1","x":100}`, string(ev.Element))
	})

	t.Run("Creates And Deletes Propagate In Order", func(t *testing.T) {
		require.NoError(t, alice.CreateElement(json.RawMessage(`{"id":"e2","kind":"box"}`)))
		require.NoError(t, alice.DeleteElement("e2"))

		created := recvEvent(t, bobCreates, "element create")
		assert.JSONEq(t, `{"id":"e2","kind":"box"}`, string(created.Element))

		deleted := recvEvent(t, bobDeletes, "element delete")
		assert.Equal(t, "e2", deleted.ElementID)
		assert.Equal(t, "alice", deleted.UserID)
		assert.Greater(t, deleted.Seq, created.Seq)
	})

	t.Run("Author Never Hears Its Own Edit", func(t *testing.T) {
		require.NoError(t, alice.UpdateElement(json.RawMessage(`{"id":"e3"}`)))

		recvEvent(t, bobUpdates, "element update")
		select {
		case ev := <-aliceUpdates:
			t.Fatalf("author received its own edit: %+v", ev)
		case <-time.After(150 * time.Millisecond):
		}
	})

	t.Run("Invalid Edits Are Rejected Locally", func(t *testing.T) {
		err := alice.UpdateElement(json.RawMessage(`{"x":1}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "element id is required")

		assert.Error(t, alice.DeleteElement(""))
	})
}

func TestSessionCursorFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping client integration test in short mode")
	}

	ts, authService := newCollabServer(t)
	diagramID := uuid.New().String()

	alice := connectSession(t, ts, authService, diagramID, "alice", "Alice")

	bob := newTestSession(t, ts, authService, diagramID, "bob", "Bob")
	cursors := make(chan api.CursorMoveMessage, 16)
	bob.Events().OnCursorMoved(func(m api.CursorMoveMessage) { cursors <- m })
	require.NoError(t, bob.Connect(context.Background()))

	// A rapid burst collapses to the leading position; the rest are dropped
	alice.MoveCursor(1, 1)
	alice.MoveCursor(2, 2)
	alice.MoveCursor(3, 3)
	alice.MoveCursor(4, 4)
	alice.MoveCursor(5, 5)

	first := recvEvent(t, cursors, "leading cursor position")
	assert.Equal(t, "alice", first.UserID)
	assert.Equal(t, float64(1), first.Cursor.X)
	assert.Equal(t, float64(1), first.Cursor.Y)

	// Suppressed positions never show up late
	select {
	case ev := <-cursors:
		t.Fatalf("suppressed cursor position leaked: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	// After sitting idle past the interval, the next move goes straight out
	alice.MoveCursor(9, 9)

	next := recvEvent(t, cursors, "cursor position after idle")
	assert.Equal(t, float64(9), next.Cursor.X)
	assert.Equal(t, float64(9), next.Cursor.Y)
}

func TestSessionSurvivesUnreadableFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping client integration test in short mode")
	}

	// A bare WebSocket endpoint standing in for the server: it hands out
	// the join snapshot, then relays whatever the test pushes through the
	// frames channel, valid or not
	frames := make(chan []byte, 4)
	done := make(chan struct{})
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		snapshot := `{"type":"active_users_update","users":[{"user_id":"alice","display_name":"Alice"}],"locks":[],"seq":1}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(snapshot)); err != nil {
			return
		}
		for {
			select {
			case frame := <-frames:
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(done) })

	sess := NewSession(SessionConfig{
		ServerURL: ts.URL,
		DiagramID: uuid.New().String(),
		Token:     "unchecked-by-this-server",
	})
	t.Cleanup(func() { _ = sess.Close() })

	errs := make(chan api.ErrorMessage, 4)
	sess.Events().OnError(func(m api.ErrorMessage) { errs <- m })
	cursors := make(chan api.CursorMoveMessage, 4)
	sess.Events().OnCursorMoved(func(m api.CursorMoveMessage) { cursors <- m })

	require.NoError(t, sess.Connect(context.Background()))
	require.Len(t, sess.Users(), 1)

	// Garbage is dropped and reported, not fatal
	frames <- []byte("this is not json")
	ev := recvEvent(t, errs, "decode error event")
	assert.Contains(t, ev.Message, "unreadable server frame")

	// The connection is still live and keeps delivering
	frames <- []byte(`{"type":"cursor_move","user_id":"ghost","cursor":{"x":4,"y":2}}`)
	move := recvEvent(t, cursors, "cursor event after bad frame")
	assert.Equal(t, float64(4), move.Cursor.X)
	assert.Equal(t, StateConnected, sess.State())
}

func TestSessionLockFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping client integration test in short mode")
	}

	ts, authService := newCollabServer(t)
	diagramID := uuid.New().String()

	alice := connectSession(t, ts, authService, diagramID, "alice", "Alice")
	bob := connectSession(t, ts, authService, diagramID, "bob", "Bob")

	aliceLocked := make(chan api.ElementLockMessage, 8)
	alice.Events().OnElementLocked(func(m api.ElementLockMessage) { aliceLocked <- m })
	aliceUnlocked := make(chan api.ElementUnlockMessage, 8)
	alice.Events().OnElementUnlocked(func(m api.ElementUnlockMessage) { aliceUnlocked <- m })

	bobLocked := make(chan api.ElementLockMessage, 8)
	bob.Events().OnElementLocked(func(m api.ElementLockMessage) { bobLocked <- m })
	bobDenied := make(chan api.LockDeniedMessage, 8)
	bob.Events().OnLockDenied(func(m api.LockDeniedMessage) { bobDenied <- m })
	bobUnlockDenied := make(chan api.UnlockDeniedMessage, 8)
	bob.Events().OnUnlockDenied(func(m api.UnlockDeniedMessage) { bobUnlockDenied <- m })

	t.Run("Grant Reaches Requester And Observers", func(t *testing.T) {
		require.NoError(t, alice.RequestLock("e1"))

		own := recvEvent(t, aliceLocked, "own lock grant")
		assert.Equal(t, "e1", own.ElementID)
		assert.Equal(t, "alice", own.User.UserID)
		assert.NotEmpty(t, own.User.Color)

		observed := recvEvent(t, bobLocked, "observed lock grant")
		assert.Equal(t, "alice", observed.User.UserID)

		require.Eventually(t, func() bool {
			return alice.IsElementLocked("e1") && bob.IsElementLocked("e1")
		}, 2*time.Second, 10*time.Millisecond)

		assert.True(t, alice.IsElementLockedByMe("e1"))
		assert.False(t, bob.IsElementLockedByMe("e1"))

		holder, ok := bob.LockHolder("e1")
		require.True(t, ok)
		assert.Equal(t, "alice", holder.UserID)
	})

	t.Run("Conflicting Request Is Denied Privately", func(t *testing.T) {
		require.NoError(t, bob.RequestLock("e1"))

		denied := recvEvent(t, bobDenied, "lock denial")
		assert.Equal(t, "e1", denied.ElementID)
		assert.Equal(t, "alice", denied.Holder.UserID)
	})

	t.Run("Foreign Release Is Refused", func(t *testing.T) {
		require.NoError(t, bob.ReleaseLock("e1"))

		refused := recvEvent(t, bobUnlockDenied, "unlock denial")
		assert.Equal(t, "e1", refused.ElementID)
		assert.Contains(t, refused.Reason, "another user")
		assert.True(t, bob.IsElementLocked("e1"))
	})

	t.Run("Release Clears Every Mirror", func(t *testing.T) {
		require.NoError(t, alice.ReleaseLock("e1"))

		recvEvent(t, aliceUnlocked, "unlock broadcast")
		require.Eventually(t, func() bool {
			return !alice.IsElementLocked("e1") && !bob.IsElementLocked("e1")
		}, 2*time.Second, 10*time.Millisecond)
		assert.False(t, alice.IsElementLockedByMe("e1"))
	})

	t.Run("Lock Requests Need A Connection", func(t *testing.T) {
		idle := newTestSession(t, ts, authService, uuid.New().String(), "carol", "Carol")
		assert.ErrorIs(t, idle.RequestLock("e1"), ErrNotConnected)
		assert.ErrorIs(t, idle.ReleaseLock("e1"), ErrNotConnected)
		assert.ErrorIs(t, idle.RequestResync(), ErrNotConnected)
	})
}

func TestSessionReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping client integration test in short mode")
	}

	ts, authService := newCollabServer(t)
	diagramID := uuid.New().String()

	bob := connectSession(t, ts, authService, diagramID, "bob", "Bob")

	alice := newTestSession(t, ts, authService, diagramID, "alice", "Alice")
	states := make(chan State, 32)
	alice.Events().OnConnectionStateChanged(func(st State) { states <- st })
	lost := make(chan struct{}, 8)
	alice.Events().OnConnectionLost(func() { lost <- struct{}{} })
	require.NoError(t, alice.Connect(context.Background()))
	waitState(t, states, StateConnected)

	bobUpdates := make(chan api.ElementUpdateMessage, 8)
	bob.Events().OnElementUpdated(func(m api.ElementUpdateMessage) { bobUpdates <- m })

	// Bob's lock should survive alice's round trip and come back via the
	// fresh snapshot
	require.NoError(t, bob.RequestLock("e9"))
	require.Eventually(t, func() bool {
		return alice.IsElementLocked("e9")
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("Drop Funnels Into Reconnecting", func(t *testing.T) {
		alice.Reconnect()

		// The mirrors are wiped synchronously inside the drop funnel,
		// before the redial has any chance to re-prime them
		assert.Empty(t, alice.Users())
		assert.False(t, alice.IsElementLocked("e9"))

		recvEvent(t, lost, "connection lost event")
		waitState(t, states, StateReconnecting)
	})

	t.Run("Intents Issued While Down Are Replayed In Order", func(t *testing.T) {
		require.NoError(t, alice.UpdateElement(json.RawMessage(`{"id":"e1","rev":1}`)))
		require.NoError(t, alice.UpdateElement(json.RawMessage(`{"id":"e2","rev":2}`)))

		waitState(t, states, StateConnected)

		first := recvEvent(t, bobUpdates, "first replayed edit")
		assert.JSONEq(t, `{"id":"e1","rev":1}`, string(first.Element))
		assert.Equal(t, "alice", first.UserID)

		second := recvEvent(t, bobUpdates, "second replayed edit")
		assert.JSONEq(t, `{"id":"e2","rev":2}`, string(second.Element))
		assert.Greater(t, second.Seq, first.Seq)
	})

	t.Run("Snapshot Reprimes Users And Locks Together", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return len(alice.Users()) == 2 && alice.IsElementLocked("e9")
		}, 2*time.Second, 10*time.Millisecond)

		holder, ok := alice.LockHolder("e9")
		require.True(t, ok)
		assert.Equal(t, "bob", holder.UserID)
	})

	t.Run("Fresh Edits Flow After Recovery", func(t *testing.T) {
		require.NoError(t, alice.UpdateElement(json.RawMessage(`{"id":"e3","rev":3}`)))

		ev := recvEvent(t, bobUpdates, "post-recovery edit")
		assert.JSONEq(t, `{"id":"e3","rev":3}`, string(ev.Element))
	})
}

func TestSessionRetriesExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping client integration test in short mode")
	}

	ts, authService := newCollabServer(t)
	diagramID := uuid.New().String()

	token, err := authService.GenerateToken("alice", "Alice")
	require.NoError(t, err)

	sess := NewSession(SessionConfig{
		ServerURL: ts.URL,
		DiagramID: diagramID,
		Token:     token,
		Reconnect: ReconnectPolicy{
			MaxRetries: 2,
			BaseDelay:  10 * time.Millisecond,
			MaxDelay:   20 * time.Millisecond,
		},
	})
	t.Cleanup(func() { _ = sess.Close() })

	states := make(chan State, 32)
	sess.Events().OnConnectionStateChanged(func(st State) { states <- st })

	require.NoError(t, sess.Connect(context.Background()))
	waitState(t, states, StateConnected)

	// Closing the listener leaves the hijacked WebSocket alive, so force
	// the drop too; every redial after that is refused
	ts.Close()
	sess.Reconnect()

	waitState(t, states, StateReconnecting)
	waitState(t, states, StateClosed)

	assert.Equal(t, StateClosed, sess.State())
	assert.ErrorIs(t, sess.UpdateElement(json.RawMessage(`{"id":"e1"}`)), ErrSessionClosed)
}

func TestSessionClose(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping client integration test in short mode")
	}

	ts, authService := newCollabServer(t)
	diagramID := uuid.New().String()

	bob := connectSession(t, ts, authService, diagramID, "bob", "Bob")
	departed := make(chan api.UserLeftMessage, 8)
	bob.Events().OnUserLeft(func(m api.UserLeftMessage) { departed <- m })

	alice := connectSession(t, ts, authService, diagramID, "alice", "Alice")
	require.Eventually(t, func() bool {
		return len(bob.Users()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Close())

	t.Run("Close Is Terminal And Idempotent", func(t *testing.T) {
		require.NoError(t, alice.Close())
		assert.Equal(t, StateClosed, alice.State())

		assert.ErrorIs(t, alice.UpdateElement(json.RawMessage(`{"id":"e1"}`)), ErrSessionClosed)
		assert.ErrorIs(t, alice.CreateElement(json.RawMessage(`{"id":"e2"}`)), ErrSessionClosed)
		assert.ErrorIs(t, alice.RequestLock("e1"), ErrNotConnected)
		alice.MoveCursor(1, 1)
	})

	t.Run("Departure Reaches The Room", func(t *testing.T) {
		ev := recvEvent(t, departed, "user left event")
		assert.Equal(t, "alice", ev.UserID)

		require.Eventually(t, func() bool {
			return len(bob.Users()) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}
