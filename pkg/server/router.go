package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/store"
)

// Router dispatches every inbound event: decode, authorize, persist when
// the event is durable, then fan out. Durable events reach the store
// before any subscriber sees them, so nothing is ever broadcast that a
// crash could un-happen.
type Router struct {
	db         *store.Store
	registry   *Registry
	membership *Membership
	presence   *Presence
	typing     *Typing
	reconciler *Reconciler
	metrics    *Metrics
	bridge     *Bridge // nil when cross-node relay is disabled

	maxMessageLength int

	// Per-chat fan-out locks. Broadcast enqueue and join-replay for one
	// chat are mutually exclusive, which keeps each connection's delivery
	// strictly in sequence order even while a rejoin is catching up.
	// Entries are refcounted and removed once idle, so the map only holds
	// chats with an operation in flight.
	locksMu sync.Mutex
	locks   map[string]*chatLock

	// onOverflow runs the full disconnect path for a connection whose
	// send queue overflowed. Set by the server on assembly.
	onOverflow func(conn *Conn)
}

// NewRouter creates the router.
func NewRouter(db *store.Store, registry *Registry, membership *Membership,
	presence *Presence, typing *Typing, reconciler *Reconciler,
	metrics *Metrics, maxMessageLength int) *Router {
	return &Router{
		db:               db,
		registry:         registry,
		membership:       membership,
		presence:         presence,
		typing:           typing,
		reconciler:       reconciler,
		metrics:          metrics,
		maxMessageLength: maxMessageLength,
		locks:            make(map[string]*chatLock),
	}
}

// SetBridge attaches the cross-node relay.
func (r *Router) SetBridge(bridge *Bridge) {
	r.bridge = bridge
}

// SetOverflowHandler sets the disconnect path for overflowed connections.
func (r *Router) SetOverflowHandler(fn func(conn *Conn)) {
	r.onOverflow = fn
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

// lockChat takes the chat's fan-out lock, creating the entry on first use.
func (r *Router) lockChat(chatID string) *chatLock {
	r.locksMu.Lock()
	lock := r.locks[chatID]
	if lock == nil {
		lock = &chatLock{}
		r.locks[chatID] = lock
	}
	lock.refs++
	r.locksMu.Unlock()

	lock.mu.Lock()
	return lock
}

// unlockChat releases the lock and drops the entry once nothing references
// it. The refcount makes removal safe: a goroutine still waiting on the
// mutex keeps the entry alive, so two lockChat calls can never hold
// different mutexes for the same chat.
func (r *Router) unlockChat(chatID string, lock *chatLock) {
	lock.mu.Unlock()

	r.locksMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(r.locks, chatID)
	}
	r.locksMu.Unlock()
}

// Handle processes one raw frame from a connection.
func (r *Router) Handle(conn *Conn, raw []byte) {
	conn.Touch()

	// A frame can race its own disconnect: the read loop may still hand us
	// input after the registry dropped the connection.
	if _, ok := r.registry.Get(conn.ID); !ok {
		errorLog.Printf("Dropping frame from unregistered connection %s (user %s)", conn.ID, conn.Identity.UserID)
		r.sendError(conn, protocol.ErrCodeUnauthenticated, "connection is not registered")
		conn.Close()
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		r.sendError(conn, protocol.ErrCodeInvalidEvent, err.Error())
		return
	}
	in, err := protocol.DecodeInbound(env)
	if err != nil {
		r.sendError(conn, protocol.ErrCodeInvalidEvent, err.Error())
		return
	}
	if r.metrics != nil {
		r.metrics.RecordEventReceived(env.Event)
	}

	switch ev := in.(type) {
	case protocol.JoinChat:
		r.handleJoin(conn, ev)
	case protocol.LeaveChat:
		r.membership.Leave(conn, ev.ChatID)
		r.typing.Stop(conn.Identity.UserID, ev.ChatID)
	case protocol.SendMessage:
		r.handleSend(conn, ev)
	case protocol.EditMessage:
		r.handleEdit(conn, ev)
	case protocol.DeleteMessage:
		r.handleDelete(conn, ev)
	case protocol.Reaction:
		r.handleReaction(conn, ev)
	case protocol.ReadReceipt:
		r.handleRead(conn, ev)
	case protocol.TypingStart:
		r.handleTyping(conn, ev.ChatID, true)
	case protocol.TypingStop:
		r.handleTyping(conn, ev.ChatID, false)
	case protocol.PresenceUpdate:
		r.presence.SetStatus(conn.Identity.UserID, ev.Status)
	default:
		r.sendError(conn, protocol.ErrCodeInvalidEvent, fmt.Sprintf("unhandled event %q", env.Event))
	}
}

func (r *Router) handleJoin(conn *Conn, ev protocol.JoinChat) {
	lock := r.lockChat(ev.ChatID)
	defer r.unlockChat(ev.ChatID, lock)

	seq, err := r.membership.Join(conn, ev.ChatID)
	if err != nil {
		r.sendStoreError(conn, err)
		return
	}

	data, err := protocol.Encode(protocol.EventChatJoined, protocol.ChatJoined{
		ChatID: ev.ChatID,
		Seq:    seq,
	})
	if err != nil {
		errorLog.Printf("Failed to encode join ack for %s: %v", ev.ChatID, err)
		return
	}
	conn.Send(data)

	// A client that reports a position gets the gap replayed; a fresh join
	// starts at the head and loads history out of band.
	if ev.LastSeq > 0 {
		if _, err := r.reconciler.CatchUp(conn, ev.ChatID, ev.LastSeq); err != nil {
			errorLog.Printf("Catch-up failed for %s on chat %s: %v", conn.ID, ev.ChatID, err)
			r.drop(conn)
		}
	} else {
		conn.SetCursor(ev.ChatID, seq)
	}
}

func (r *Router) handleSend(conn *Conn, ev protocol.SendMessage) {
	if len(ev.Content) > r.maxMessageLength {
		r.sendError(conn, protocol.ErrCodeInvalidEvent,
			fmt.Sprintf("message exceeds %d bytes", r.maxMessageLength))
		return
	}
	if !r.authorize(conn, ev.ChatID) {
		return
	}

	payload, err := json.Marshal(messageBody{Content: ev.Content, Type: ev.Type, ReplyTo: ev.ReplyTo})
	if err != nil {
		r.sendError(conn, protocol.ErrCodeInvalidEvent, "unencodable message")
		return
	}

	appended, err := r.db.AppendEvent(ev.ChatID, store.Event{
		Kind:        store.KindMessage,
		SenderID:    conn.Identity.UserID,
		RefID:       uuid.NewString(),
		ClientToken: ev.ClientToken,
		Payload:     string(payload),
	})
	if err != nil {
		r.sendStoreError(conn, err)
		return
	}

	r.broadcast(conn, appended)
}

func (r *Router) handleEdit(conn *Conn, ev protocol.EditMessage) {
	if len(ev.Content) > r.maxMessageLength {
		r.sendError(conn, protocol.ErrCodeInvalidEvent,
			fmt.Sprintf("message exceeds %d bytes", r.maxMessageLength))
		return
	}
	if !r.authorizeMessageChange(conn, ev.ChatID, ev.MessageID) {
		return
	}

	payload, _ := json.Marshal(editBody{Content: ev.Content})
	appended, err := r.db.AppendEvent(ev.ChatID, store.Event{
		Kind:     store.KindEdit,
		SenderID: conn.Identity.UserID,
		RefID:    ev.MessageID,
		Payload:  string(payload),
	})
	if err != nil {
		r.sendStoreError(conn, err)
		return
	}

	r.broadcast(conn, appended)
}

func (r *Router) handleDelete(conn *Conn, ev protocol.DeleteMessage) {
	if !r.authorizeMessageChange(conn, ev.ChatID, ev.MessageID) {
		return
	}

	appended, err := r.db.AppendEvent(ev.ChatID, store.Event{
		Kind:     store.KindDelete,
		SenderID: conn.Identity.UserID,
		RefID:    ev.MessageID,
		Payload:  "{}",
	})
	if err != nil {
		r.sendStoreError(conn, err)
		return
	}

	r.broadcast(conn, appended)
}

func (r *Router) handleReaction(conn *Conn, ev protocol.Reaction) {
	if !r.authorize(conn, ev.ChatID) {
		return
	}
	if _, err := r.db.MessageSender(ev.ChatID, ev.MessageID); err != nil {
		r.sendStoreError(conn, err)
		return
	}

	payload, _ := json.Marshal(reactionBody{Emoji: ev.Emoji, Action: ev.Action})
	appended, err := r.db.AppendEvent(ev.ChatID, store.Event{
		Kind:     store.KindReaction,
		SenderID: conn.Identity.UserID,
		RefID:    ev.MessageID,
		Payload:  string(payload),
	})
	if err != nil {
		r.sendStoreError(conn, err)
		return
	}

	// Reactions go only to the chat's subscribers, exactly like messages.
	r.broadcast(conn, appended)
}

// handleRead relays a read receipt. Receipts are ephemeral: no sequence
// number, no durable record, and nothing to replay. The reader's other
// devices get it too so their unread markers settle.
func (r *Router) handleRead(conn *Conn, ev protocol.ReadReceipt) {
	if !r.authorize(conn, ev.ChatID) {
		return
	}

	data, err := protocol.Encode(protocol.EventMessageRead, protocol.ReadUpdate{
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
		ReadBy:    conn.Identity.UserID,
		ReadAt:    time.Now(),
	})
	if err != nil {
		errorLog.Printf("Failed to encode read receipt: %v", err)
		return
	}

	recipients := 0
	for _, sub := range r.membership.SubscribersOf(ev.ChatID) {
		if sub.ID == conn.ID {
			continue
		}
		if sub.Send(data) {
			recipients++
		}
	}
	for _, sibling := range r.registry.ConnectionsFor(conn.Identity.UserID) {
		if sibling.ID == conn.ID || r.membership.IsSubscribed(sibling.ID, ev.ChatID) {
			continue
		}
		if sibling.Send(data) {
			recipients++
		}
	}
	if r.metrics != nil {
		r.metrics.RecordEventDelivered(protocol.EventMessageRead, recipients)
	}
	if r.bridge != nil {
		r.bridge.Publish(ev.ChatID, 0, data)
	}
}

func (r *Router) handleTyping(conn *Conn, chatID string, start bool) {
	if !r.membership.IsSubscribed(conn.ID, chatID) {
		r.sendError(conn, protocol.ErrCodeForbidden, "not subscribed to chat")
		return
	}
	if start {
		r.typing.Start(conn.Identity.UserID, chatID)
	} else {
		r.typing.Stop(conn.Identity.UserID, chatID)
	}
}

// authorize checks durable membership, reporting FORBIDDEN or NOT_FOUND to
// the client on failure.
func (r *Router) authorize(conn *Conn, chatID string) bool {
	ok, err := r.db.IsParticipant(conn.Identity.UserID, chatID)
	if err != nil {
		r.sendStoreError(conn, err)
		return false
	}
	if ok {
		return true
	}
	exists, err := r.db.ChatExists(chatID)
	if err != nil {
		r.sendStoreError(conn, err)
		return false
	}
	if !exists {
		r.sendError(conn, protocol.ErrCodeNotFound, fmt.Sprintf("chat %s not found", chatID))
	} else {
		r.sendError(conn, protocol.ErrCodeForbidden, "not a participant")
	}
	return false
}

// authorizeMessageChange allows edits and deletes by the original sender,
// by chat admins and owners, and by server admins.
func (r *Router) authorizeMessageChange(conn *Conn, chatID, messageID string) bool {
	if !r.authorize(conn, chatID) {
		return false
	}
	sender, err := r.db.MessageSender(chatID, messageID)
	if err != nil {
		r.sendStoreError(conn, err)
		return false
	}
	if sender == conn.Identity.UserID || conn.Identity.Admin {
		return true
	}
	role, err := r.db.ParticipantRole(conn.Identity.UserID, chatID)
	if err == nil && (role == store.RoleAdmin || role == store.RoleOwner) {
		return true
	}
	r.sendError(conn, protocol.ErrCodeForbidden, "cannot modify another user's message")
	return false
}

// broadcast turns an appended event into its outbound frame and fans it
// out. A duplicate append goes back to the requester alone: the original
// already reached everyone else, the retry just needs its answer again.
func (r *Router) broadcast(conn *Conn, appended store.Appended) {
	data, err := frameFor(appended.StoredEvent)
	if err != nil {
		errorLog.Printf("Failed to encode event %s/%d: %v", appended.ChatID, appended.Seq, err)
		return
	}

	if appended.Duplicate {
		conn.Send(data)
		return
	}

	event, _ := protocol.Decode(data)
	r.fanout(appended.ChatID, appended.Seq, event.Event, data)

	if r.bridge != nil {
		r.bridge.Publish(appended.ChatID, appended.Seq, data)
	}
}

// fanout enqueues a sequenced frame to every subscriber of the chat.
// Connections that cannot absorb it are disconnected afterward.
func (r *Router) fanout(chatID string, seq int64, event string, data []byte) {
	lock := r.lockChat(chatID)

	start := time.Now()
	subs := r.membership.SubscribersOf(chatID)
	var dead []*Conn
	for _, sub := range subs {
		if !sub.Deliver(chatID, seq, data) {
			dead = append(dead, sub)
		}
	}
	elapsed := time.Since(start)
	r.unlockChat(chatID, lock)

	if r.metrics != nil {
		r.metrics.RecordFanout(len(subs), elapsed)
		r.metrics.RecordEventDelivered(event, len(subs)-len(dead))
	}
	for _, sub := range dead {
		if r.metrics != nil {
			r.metrics.RecordOverflowDrop()
		}
		r.drop(sub)
	}
}

// RemoteDeliver fans out a frame that originated on another node.
func (r *Router) RemoteDeliver(chatID string, seq int64, data []byte) {
	if seq > 0 {
		env, err := protocol.Decode(data)
		if err != nil {
			errorLog.Printf("Dropping malformed relayed frame for %s: %v", chatID, err)
			return
		}
		r.fanout(chatID, seq, env.Event, data)
		return
	}
	for _, sub := range r.membership.SubscribersOf(chatID) {
		sub.Send(data)
	}
}

func (r *Router) drop(conn *Conn) {
	if r.onOverflow != nil {
		r.onOverflow(conn)
		return
	}
	conn.Close()
}

func (r *Router) sendStoreError(conn *Conn, err error) {
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		r.sendError(conn, protocol.ErrCodeNotFound, "chat not found")
	case errors.Is(err, store.ErrMessageNotFound):
		r.sendError(conn, protocol.ErrCodeNotFound, "message not found")
	case errors.Is(err, store.ErrNotParticipant):
		r.sendError(conn, protocol.ErrCodeForbidden, "not a participant")
	default:
		if r.metrics != nil {
			r.metrics.RecordPersistError()
		}
		errorLog.Printf("Store operation failed: %v", err)
		r.sendError(conn, protocol.ErrCodePersistenceFailed, "temporary storage failure, retry")
	}
}

func (r *Router) sendError(conn *Conn, code, message string) {
	if r.metrics != nil {
		r.metrics.RecordErrorSent(code)
	}
	data, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		errorLog.Printf("Failed to encode error %s: %v", code, err)
		return
	}
	conn.Send(data)
}
