package server

import (
	"sync"

	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/store"
)

// Membership tracks which live connections are subscribed to which chats.
// Durable membership lives in the store; this layer is the in-memory view
// used for fan-out, kept consistent with the store on join, leave,
// disconnect, and removal.
type Membership struct {
	db       *store.Store
	registry *Registry
	metrics  *Metrics

	mu          sync.RWMutex
	subscribers map[string]map[string]*Conn // chatID -> connID -> conn
	subscribed  map[string]map[string]bool  // connID -> chatID -> true
}

// NewMembership creates the membership layer and hooks store-side
// participant removals so revocation takes effect without waiting for the
// removed client to do anything.
func NewMembership(db *store.Store, registry *Registry) *Membership {
	m := &Membership{
		db:          db,
		registry:    registry,
		subscribers: make(map[string]map[string]*Conn),
		subscribed:  make(map[string]map[string]bool),
	}
	db.SetRemovalHook(m.Revoke)
	return m
}

// SetMetrics attaches metrics.
func (m *Membership) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// Join subscribes a connection to a chat after checking durable membership.
// Returns the chat's current sequence number. Joining twice is a no-op.
// Non-members get store.ErrNotParticipant, missing chats
// store.ErrChatNotFound.
func (m *Membership) Join(conn *Conn, chatID string) (int64, error) {
	ok, err := m.db.IsParticipant(conn.Identity.UserID, chatID)
	if err != nil {
		return 0, err
	}
	if !ok {
		exists, err := m.db.ChatExists(chatID)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, store.ErrChatNotFound
		}
		return 0, store.ErrNotParticipant
	}

	seq, err := m.db.LastSeq(chatID)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.subscribers[chatID] == nil {
		m.subscribers[chatID] = make(map[string]*Conn)
	}
	m.subscribers[chatID][conn.ID] = conn
	if m.subscribed[conn.ID] == nil {
		m.subscribed[conn.ID] = make(map[string]bool)
	}
	m.subscribed[conn.ID][chatID] = true
	chatCount := len(m.subscribers)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordActiveChats(chatCount)
	}
	return seq, nil
}

// Leave unsubscribes a connection from a chat. Leaving a chat the
// connection never joined is a no-op.
func (m *Membership) Leave(conn *Conn, chatID string) {
	m.mu.Lock()
	m.removeLocked(conn.ID, chatID)
	chatCount := len(m.subscribers)
	m.mu.Unlock()

	conn.DropCursor(chatID)

	if m.metrics != nil {
		m.metrics.RecordActiveChats(chatCount)
	}
}

// removeLocked drops one (conn, chat) edge. Caller holds m.mu.
func (m *Membership) removeLocked(connID, chatID string) {
	if subs := m.subscribers[chatID]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.subscribers, chatID)
		}
	}
	if chats := m.subscribed[connID]; chats != nil {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(m.subscribed, connID)
		}
	}
}

// DropConn removes every subscription a disconnecting connection held.
func (m *Membership) DropConn(connID string) {
	m.mu.Lock()
	for chatID := range m.subscribed[connID] {
		if subs := m.subscribers[chatID]; subs != nil {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(m.subscribers, chatID)
			}
		}
	}
	delete(m.subscribed, connID)
	chatCount := len(m.subscribers)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordActiveChats(chatCount)
	}
}

// Revoke force-unsubscribes every connection a user has to a chat and
// tells those connections the chat is gone. Fired from the store when the
// user is removed from the conversation.
func (m *Membership) Revoke(chatID, userID string) {
	var notify []*Conn

	m.mu.Lock()
	for connID, conn := range m.subscribers[chatID] {
		if conn.Identity.UserID != userID {
			continue
		}
		m.removeLocked(connID, chatID)
		notify = append(notify, conn)
	}
	m.mu.Unlock()

	if len(notify) == 0 {
		return
	}

	data, err := protocol.Encode(protocol.EventChatRemoved, protocol.ChatRemoved{ChatID: chatID})
	if err != nil {
		errorLog.Printf("Failed to encode chat removal for %s: %v", chatID, err)
		return
	}
	for _, conn := range notify {
		conn.DropCursor(chatID)
		conn.Send(data)
	}
}

// SubscribersOf returns the connections currently subscribed to a chat.
func (m *Membership) SubscribersOf(chatID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := m.subscribers[chatID]
	if len(subs) == 0 {
		return nil
	}
	result := make([]*Conn, 0, len(subs))
	for _, conn := range subs {
		result = append(result, conn)
	}
	return result
}

// IsSubscribed reports whether the connection is subscribed to the chat.
func (m *Membership) IsSubscribed(connID, chatID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.subscribed[connID][chatID]
}

// ChatsOf returns the chats a connection is subscribed to.
func (m *Membership) ChatsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chats := m.subscribed[connID]
	if len(chats) == 0 {
		return nil
	}
	result := make([]string, 0, len(chats))
	for chatID := range chats {
		result = append(result, chatID)
	}
	return result
}

// ActiveChatCount returns the number of chats with at least one subscriber.
func (m *Membership) ActiveChatCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.subscribers)
}
