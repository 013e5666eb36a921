package server

import (
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/protocol"
)

type typingKey struct {
	chatID string
	userID string
}

// Typing tracks who is typing where. Every indicator carries a deadline: a
// client that vanishes mid-keystroke never leaves a stuck "is typing" on
// everyone else's screen, because the coordinator emits the stop itself
// when the timer lapses.
type Typing struct {
	membership *Membership
	ttl        time.Duration

	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

// NewTyping creates the coordinator. ttl is how long an indicator lives
// without a refresh.
func NewTyping(membership *Membership, ttl time.Duration) *Typing {
	return &Typing{
		membership: membership,
		ttl:        ttl,
		timers:     make(map[typingKey]*time.Timer),
	}
}

// Start marks the user as typing in the chat and tells the other
// subscribers. A repeat start refreshes the expiry without re-announcing.
func (t *Typing) Start(userID, chatID string) {
	key := typingKey{chatID: chatID, userID: userID}

	t.mu.Lock()
	timer, active := t.timers[key]
	if active {
		timer.Reset(t.ttl)
	} else {
		t.timers[key] = time.AfterFunc(t.ttl, func() {
			t.expire(key)
		})
	}
	t.mu.Unlock()

	if !active {
		t.broadcast(protocol.EventTypingStart, chatID, userID)
	}
}

// Stop clears the user's typing state in the chat. A stop without a
// preceding start is a no-op.
func (t *Typing) Stop(userID, chatID string) {
	key := typingKey{chatID: chatID, userID: userID}

	t.mu.Lock()
	timer, active := t.timers[key]
	if active {
		timer.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()

	if active {
		t.broadcast(protocol.EventTypingStop, chatID, userID)
	}
}

// expire fires when an indicator outlives its refresh window.
func (t *Typing) expire(key typingKey) {
	t.mu.Lock()
	_, active := t.timers[key]
	delete(t.timers, key)
	t.mu.Unlock()

	if active {
		t.broadcast(protocol.EventTypingStop, key.chatID, key.userID)
	}
}

// UserGone stops every indicator the user had. Called when the user's last
// connection drops.
func (t *Typing) UserGone(userID string) {
	t.mu.Lock()
	var stopped []typingKey
	for key, timer := range t.timers {
		if key.userID != userID {
			continue
		}
		timer.Stop()
		delete(t.timers, key)
		stopped = append(stopped, key)
	}
	t.mu.Unlock()

	for _, key := range stopped {
		t.broadcast(protocol.EventTypingStop, key.chatID, key.userID)
	}
}

// IsTyping reports whether the user currently has a live indicator in the
// chat.
func (t *Typing) IsTyping(userID, chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, active := t.timers[typingKey{chatID: chatID, userID: userID}]
	return active
}

// StopAllTimers cancels every timer without broadcasting. Shutdown only.
func (t *Typing) StopAllTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}

// broadcast sends the indicator to the chat's subscribers, skipping all of
// the typist's own connections.
func (t *Typing) broadcast(event, chatID, userID string) {
	data, err := protocol.Encode(event, protocol.TypingUpdate{
		ChatID: chatID,
		UserID: userID,
	})
	if err != nil {
		errorLog.Printf("Failed to encode %s for chat %s: %v", event, chatID, err)
		return
	}
	for _, conn := range t.membership.SubscribersOf(chatID) {
		if conn.Identity.UserID == userID {
			continue
		}
		conn.Send(data)
	}
}
