package server

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/store"
)

// fakeWire satisfies the wire interface without a socket. Unit tests read
// frames straight from the connection's send queue, so the wire itself
// only needs to absorb a close.
type fakeWire struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeWire) WriteMessage(messageType int, data []byte) error { return nil }
func (f *fakeWire) SetWriteDeadline(t time.Time) error              { return nil }

func (f *fakeWire) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWire) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fixture assembles the full component graph around a temp-file store,
// with short presence and typing windows so tests observe expiry quickly.
type fixture struct {
	db         *store.Store
	registry   *Registry
	membership *Membership
	presence   *Presence
	typing     *Typing
	reconciler *Reconciler
	router     *Router
}

const (
	testGrace     = 60 * time.Millisecond
	testTypingTTL = 300 * time.Millisecond
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := newMetricsWith(prometheus.NewRegistry())
	registry := NewRegistry()
	registry.SetMetrics(metrics)
	membership := NewMembership(db, registry)
	presence := NewPresence(db, registry, membership, testGrace, nil)
	typing := NewTyping(membership, testTypingTTL)
	reconciler := NewReconciler(db, metrics, 50)
	router := NewRouter(db, registry, membership, presence, typing, reconciler, metrics, 4096)

	f := &fixture{
		db:         db,
		registry:   registry,
		membership: membership,
		presence:   presence,
		typing:     typing,
		reconciler: reconciler,
		router:     router,
	}
	router.SetOverflowHandler(f.disconnect)
	t.Cleanup(func() {
		typing.StopAllTimers()
		presence.Stop()
	})
	return f
}

// connect registers a new connection for the user, as the websocket
// handler would.
func (f *fixture) connect(userID string) *Conn {
	conn := NewConn(uuid.NewString(), Identity{UserID: userID}, &fakeWire{}, 32)
	f.registry.Register(conn)
	f.presence.ConnOnline(userID)
	return conn
}

// disconnect mirrors the server's full drop path.
func (f *fixture) disconnect(conn *Conn) {
	userID, remaining, ok := f.registry.Deregister(conn.ID)
	if !ok {
		conn.Close()
		return
	}
	f.membership.DropConn(conn.ID)
	if remaining == 0 {
		f.typing.UserGone(userID)
	}
	f.presence.ConnOffline(userID, remaining)
}

// seedChat creates a chat with the given members.
func (f *fixture) seedChat(t *testing.T, chatID string, members ...string) {
	t.Helper()
	require.NoError(t, f.db.CreateChat(chatID, "group"))
	for _, userID := range members {
		require.NoError(t, f.db.AddParticipant(chatID, userID, store.RoleMember))
	}
}

// handle feeds one event through the router as a raw frame.
func (f *fixture) handle(t *testing.T, conn *Conn, event string, payload interface{}) {
	t.Helper()
	data, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	f.router.Handle(conn, data)
}

// join subscribes the connection and consumes the ack.
func (f *fixture) join(t *testing.T, conn *Conn, chatID string) {
	t.Helper()
	f.handle(t, conn, protocol.EventChatJoin, protocol.JoinChat{ChatID: chatID})
	recvEvent(t, conn, protocol.EventChatJoined)
}

// recv pops the next frame off the connection's send queue.
func recv(t *testing.T, conn *Conn) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-conn.send:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// recvEvent pops the next frame and asserts its event name.
func recvEvent(t *testing.T, conn *Conn, event string) *protocol.Envelope {
	t.Helper()
	env := recv(t, conn)
	require.Equal(t, event, env.Event, "unexpected event (payload: %s)", env.Data)
	return env
}

// recvInto pops the next frame, asserts the event, and decodes the payload.
func recvInto(t *testing.T, conn *Conn, event string, dst interface{}) {
	t.Helper()
	env := recvEvent(t, conn, event)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

// recvError pops the next frame and asserts it is an error with the code.
func recvError(t *testing.T, conn *Conn, code string) {
	t.Helper()
	var payload protocol.ErrorPayload
	recvInto(t, conn, protocol.EventError, &payload)
	require.Equal(t, code, payload.Code)
}

// noFrame asserts nothing arrives within a short window.
func noFrame(t *testing.T, conn *Conn) {
	t.Helper()
	select {
	case data := <-conn.send:
		env, _ := protocol.Decode(data)
		t.Fatalf("unexpected frame %s: %s", env.Event, env.Data)
	case <-time.After(120 * time.Millisecond):
	}
}
