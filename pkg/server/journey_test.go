package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/store"
)

// Journey tests run real clients against a real server over websockets:
// dial, authenticate, join, and watch the event stream arrive.

const journeySecret = "journey-secret"

func newJourneyServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	toml := DefaultTOMLConfig()
	config := toml.ToServerConfig()
	config.JWTSecret = journeySecret

	srv, err := NewServer(filepath.Join(t.TempDir(), "journey.db"), config)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return srv, ts
}

func dialAs(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	token, err := NewJWTVerifier(journeySecret).IssueToken(userID, time.Hour)
	require.NoError(t, err)
	return dialWithToken(t, ts, token)
}

func dialWithToken(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func wsSend(t *testing.T, ws *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func wsRead(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err, "expected a frame")
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// asyncEvent reports events that may interleave with whatever a test is
// waiting for.
func asyncEvent(event string) bool {
	switch event {
	case protocol.EventUserOnline, protocol.EventUserOffline, protocol.EventUserStatus,
		protocol.EventTypingStart, protocol.EventTypingStop, protocol.EventMessageRead:
		return true
	}
	return false
}

// wsExpect reads until the wanted event arrives, skipping async broadcasts.
func wsExpect(t *testing.T, ws *websocket.Conn, want string) *protocol.Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := wsRead(t, ws)
		if env.Event == want {
			return env
		}
		if asyncEvent(env.Event) {
			continue
		}
		t.Fatalf("expected %s, got %s: %s", want, env.Event, env.Data)
	}
	t.Fatalf("gave up waiting for %s", want)
	return nil
}

func wsExpectInto(t *testing.T, ws *websocket.Conn, want string, dst interface{}) {
	t.Helper()
	env := wsExpect(t, ws, want)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func wsJoin(t *testing.T, ws *websocket.Conn, chatID string, lastSeq int64) protocol.ChatJoined {
	t.Helper()
	wsSend(t, ws, protocol.EventChatJoin, protocol.JoinChat{ChatID: chatID, LastSeq: lastSeq})
	var joined protocol.ChatJoined
	wsExpectInto(t, ws, protocol.EventChatJoined, &joined)
	return joined
}

func TestJourneyMessaging(t *testing.T) {
	srv, ts := newJourneyServer(t)
	require.NoError(t, srv.Store().CreateChat("room", "group"))
	require.NoError(t, srv.Store().AddParticipant("room", "alice", store.RoleOwner))
	require.NoError(t, srv.Store().AddParticipant("room", "bob", store.RoleMember))

	alice := dialAs(t, ts, "alice")
	joined := wsJoin(t, alice, "room", 0)
	assert.Equal(t, int64(0), joined.Seq)

	bob := dialAs(t, ts, "bob")
	wsJoin(t, bob, "room", 0)

	// Message: both sides see the same sequenced event.
	wsSend(t, alice, protocol.EventMessageSend, protocol.SendMessage{
		ChatID: "room", Content: "hello bob", ClientToken: "j1",
	})
	var got protocol.MessageReceive
	wsExpectInto(t, alice, protocol.EventMessageReceive, &got)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, "alice", got.SenderID)

	var bobGot protocol.MessageReceive
	wsExpectInto(t, bob, protocol.EventMessageReceive, &bobGot)
	assert.Equal(t, got.MessageID, bobGot.MessageID)
	assert.Equal(t, "hello bob", bobGot.Content)

	// Reaction.
	wsSend(t, bob, protocol.EventMessageReaction, protocol.Reaction{
		MessageID: got.MessageID, ChatID: "room", Emoji: "wave", Action: protocol.ReactionAdd,
	})
	var reaction protocol.ReactionUpdate
	wsExpectInto(t, alice, protocol.EventMessageReaction, &reaction)
	assert.Equal(t, "bob", reaction.UserID)
	assert.Equal(t, int64(2), reaction.Seq)
	wsExpect(t, bob, protocol.EventMessageReaction)

	// Edit by the original sender.
	wsSend(t, alice, protocol.EventMessageEdit, protocol.EditMessage{
		MessageID: got.MessageID, ChatID: "room", Content: "hello bob!",
	})
	var edited protocol.MessageEdited
	wsExpectInto(t, bob, protocol.EventMessageEdit, &edited)
	assert.Equal(t, "hello bob!", edited.Content)
	assert.Equal(t, int64(3), edited.Seq)
	wsExpect(t, alice, protocol.EventMessageEdit)

	// Read receipt reaches the sender without touching the log.
	wsSend(t, bob, protocol.EventMessageRead, protocol.ReadReceipt{
		MessageID: got.MessageID, ChatID: "room",
	})
	var read protocol.ReadUpdate
	wsExpectInto(t, alice, protocol.EventMessageRead, &read)
	assert.Equal(t, "bob", read.ReadBy)

	last, err := srv.Store().LastSeq("room")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestJourneyTypingLifecycle(t *testing.T) {
	srv, ts := newJourneyServer(t)
	require.NoError(t, srv.Store().CreateChat("room", "group"))
	require.NoError(t, srv.Store().AddParticipant("room", "alice", store.RoleMember))
	require.NoError(t, srv.Store().AddParticipant("room", "bob", store.RoleMember))

	alice := dialAs(t, ts, "alice")
	wsJoin(t, alice, "room", 0)
	bob := dialAs(t, ts, "bob")
	wsJoin(t, bob, "room", 0)

	wsSend(t, bob, protocol.EventTypingStart, protocol.Typing{ChatID: "room"})
	var typing protocol.TypingUpdate
	wsExpectInto(t, alice, protocol.EventTypingStart, &typing)
	assert.Equal(t, "bob", typing.UserID)

	// Bob vanishes mid-keystroke; the server clears the indicator.
	bob.Close()
	wsExpectInto(t, alice, protocol.EventTypingStop, &typing)
	assert.Equal(t, "bob", typing.UserID)
}

func TestJourneyRetryAfterLostAck(t *testing.T) {
	srv, ts := newJourneyServer(t)
	require.NoError(t, srv.Store().CreateChat("room", "group"))
	require.NoError(t, srv.Store().AddParticipant("room", "alice", store.RoleMember))

	alice := dialAs(t, ts, "alice")
	wsJoin(t, alice, "room", 0)

	wsSend(t, alice, protocol.EventMessageSend, protocol.SendMessage{
		ChatID: "room", Content: "did this land?", ClientToken: "retry-1",
	})
	var first protocol.MessageReceive
	wsExpectInto(t, alice, protocol.EventMessageReceive, &first)

	// Pretend the ack was lost: reconnect and retry the same token.
	alice.Close()
	again := dialAs(t, ts, "alice")
	wsJoin(t, again, "room", 0)
	wsSend(t, again, protocol.EventMessageSend, protocol.SendMessage{
		ChatID: "room", Content: "did this land?", ClientToken: "retry-1",
	})

	var second protocol.MessageReceive
	wsExpectInto(t, again, protocol.EventMessageReceive, &second)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, first.MessageID, second.MessageID)

	last, err := srv.Store().LastSeq("room")
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}

func TestJourneyReconnectReplay(t *testing.T) {
	srv, ts := newJourneyServer(t)
	require.NoError(t, srv.Store().CreateChat("room", "group"))
	require.NoError(t, srv.Store().AddParticipant("room", "alice", store.RoleMember))
	require.NoError(t, srv.Store().AddParticipant("room", "bob", store.RoleMember))

	alice := dialAs(t, ts, "alice")
	wsJoin(t, alice, "room", 0)
	for i := 1; i <= 3; i++ {
		wsSend(t, alice, protocol.EventMessageSend, protocol.SendMessage{
			ChatID: "room", Content: fmt.Sprintf("before %d", i), ClientToken: fmt.Sprintf("a%d", i),
		})
		wsExpect(t, alice, protocol.EventMessageReceive)
	}
	alice.Close()

	// Bob keeps talking while alice is away.
	bob := dialAs(t, ts, "bob")
	wsJoin(t, bob, "room", 0)
	for i := 1; i <= 2; i++ {
		wsSend(t, bob, protocol.EventMessageSend, protocol.SendMessage{
			ChatID: "room", Content: fmt.Sprintf("while away %d", i), ClientToken: fmt.Sprintf("b%d", i),
		})
		wsExpect(t, bob, protocol.EventMessageReceive)
	}

	// Alice rejoins from seq 3 and the gap is replayed in order.
	again := dialAs(t, ts, "alice")
	joined := wsJoin(t, again, "room", 3)
	assert.Equal(t, int64(5), joined.Seq)

	for want := int64(4); want <= 5; want++ {
		var msg protocol.MessageReceive
		wsExpectInto(t, again, protocol.EventMessageReceive, &msg)
		assert.Equal(t, want, msg.Seq)
		assert.Equal(t, "bob", msg.SenderID)
	}
}

func TestJourneyAuthRejected(t *testing.T) {
	_, ts := newJourneyServer(t)

	ws := dialWithToken(t, ts, "garbage-token")
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.Decode(data)
	require.NoError(t, err)
	require.Equal(t, protocol.EventError, env.Event)

	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, protocol.ErrCodeAuthenticationFailed, payload.Code)

	// The connection is closed right after.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestJourneyRemovalRevokes(t *testing.T) {
	srv, ts := newJourneyServer(t)
	require.NoError(t, srv.Store().CreateChat("room", "group"))
	require.NoError(t, srv.Store().AddParticipant("room", "alice", store.RoleMember))
	require.NoError(t, srv.Store().AddParticipant("room", "bob", store.RoleMember))

	alice := dialAs(t, ts, "alice")
	wsJoin(t, alice, "room", 0)
	bob := dialAs(t, ts, "bob")
	wsJoin(t, bob, "room", 0)

	// The room service removes bob; his live subscription goes with it.
	require.NoError(t, srv.Store().RemoveParticipant("room", "bob"))

	var removed protocol.ChatRemoved
	wsExpectInto(t, bob, protocol.EventChatRemoved, &removed)
	assert.Equal(t, "room", removed.ChatID)

	wsSend(t, bob, protocol.EventMessageSend, protocol.SendMessage{
		ChatID: "room", Content: "still here?", ClientToken: "nope",
	})
	var errPayload protocol.ErrorPayload
	wsExpectInto(t, bob, protocol.EventError, &errPayload)
	assert.Equal(t, protocol.ErrCodeForbidden, errPayload.Code)
}
