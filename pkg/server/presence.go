package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/store"
)

// Presence derives who is online from the registry and announces
// transitions to everyone sharing a conversation with the user. Going
// offline is debounced: the announcement waits out a grace period so a
// network blip that reconnects in time produces no churn.
type Presence struct {
	db         *store.Store
	registry   *Registry
	membership *Membership
	grace      time.Duration
	rdb        *redis.Client // optional mirror, nil when redis is disabled

	mu       sync.Mutex
	online   map[string]bool
	statuses map[string]string // manual status overrides
	timers   map[string]*time.Timer
}

// NewPresence creates the tracker. rdb may be nil.
func NewPresence(db *store.Store, registry *Registry, membership *Membership, grace time.Duration, rdb *redis.Client) *Presence {
	return &Presence{
		db:         db,
		registry:   registry,
		membership: membership,
		grace:      grace,
		rdb:        rdb,
		online:     make(map[string]bool),
		statuses:   make(map[string]string),
		timers:     make(map[string]*time.Timer),
	}
}

// ConnOnline records that a connection for the user came up. Only the
// user's first live connection announces; a reconnect inside the grace
// window cancels the pending offline and announces nothing.
func (p *Presence) ConnOnline(userID string) {
	p.mu.Lock()
	if timer := p.timers[userID]; timer != nil {
		timer.Stop()
		delete(p.timers, userID)
	}
	wasOnline := p.online[userID]
	p.online[userID] = true
	p.mu.Unlock()

	p.mirrorOnline(userID)

	if wasOnline {
		return
	}
	p.announce(userID, protocol.EventUserOnline, protocol.UserOnline{UserID: userID})
}

// ConnOffline records that a connection for the user went away. When it was
// the user's last connection, the offline announcement is scheduled after
// the grace period.
func (p *Presence) ConnOffline(userID string, remaining int) {
	if remaining > 0 {
		return
	}

	p.mu.Lock()
	if timer := p.timers[userID]; timer != nil {
		timer.Stop()
	}
	p.timers[userID] = time.AfterFunc(p.grace, func() {
		p.goOffline(userID)
	})
	p.mu.Unlock()
}

func (p *Presence) goOffline(userID string) {
	p.mu.Lock()
	delete(p.timers, userID)
	if !p.online[userID] {
		p.mu.Unlock()
		return
	}
	// A device may have reconnected while the timer fired.
	if len(p.registry.ConnectionsFor(userID)) > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.online, userID)
	delete(p.statuses, userID)
	p.mu.Unlock()

	p.mirrorOffline(userID)
	p.announce(userID, protocol.EventUserOffline, protocol.UserOffline{
		UserID:   userID,
		LastSeen: time.Now(),
	})
}

// SetStatus applies a manual status and announces it. The user stays
// registered as online regardless of the chosen status.
func (p *Presence) SetStatus(userID, status string) {
	p.mu.Lock()
	p.statuses[userID] = status
	p.mu.Unlock()

	p.announce(userID, protocol.EventUserStatus, protocol.UserStatus{
		UserID:   userID,
		Status:   status,
		LastSeen: time.Now(),
	})
}

// Status returns the user's effective status.
func (p *Presence) Status(userID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status, ok := p.statuses[userID]; ok {
		return status
	}
	if p.online[userID] {
		return protocol.StatusOnline
	}
	return protocol.StatusOffline
}

// IsOnline reports whether the user currently counts as online. A user in
// their offline grace window still counts.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.online[userID]
}

// RefreshMirrors re-arms the redis TTL for every online user. Called
// periodically so mirrored keys expire only when this node dies.
func (p *Presence) RefreshMirrors() {
	if p.rdb == nil {
		return
	}
	p.mu.Lock()
	users := make([]string, 0, len(p.online))
	for userID := range p.online {
		users = append(users, userID)
	}
	p.mu.Unlock()

	for _, userID := range users {
		p.mirrorOnline(userID)
	}
}

// Stop cancels all pending offline timers.
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for userID, timer := range p.timers {
		timer.Stop()
		delete(p.timers, userID)
	}
}

// announce sends a presence event to every live subscriber of every chat
// the user belongs to, minus the user's own connections. Best effort.
func (p *Presence) announce(userID, event string, payload interface{}) {
	chats, err := p.db.ChatsForUser(userID)
	if err != nil {
		errorLog.Printf("Failed to resolve presence audience for %s: %v", userID, err)
		return
	}
	if len(chats) == 0 {
		return
	}

	data, err := protocol.Encode(event, payload)
	if err != nil {
		errorLog.Printf("Failed to encode %s for %s: %v", event, userID, err)
		return
	}

	seen := make(map[string]bool)
	for _, chatID := range chats {
		for _, conn := range p.membership.SubscribersOf(chatID) {
			if conn.Identity.UserID == userID || seen[conn.ID] {
				continue
			}
			seen[conn.ID] = true
			conn.Send(data)
		}
	}
}

func presenceKey(userID string) string {
	return fmt.Sprintf("parley:presence:%s", userID)
}

func (p *Presence) mirrorOnline(userID string) {
	if p.rdb == nil {
		return
	}
	ttl := p.grace + time.Minute
	if err := p.rdb.Set(context.Background(), presenceKey(userID), "online", ttl).Err(); err != nil {
		debugLog.Printf("Presence mirror set failed for %s: %v", userID, err)
	}
}

func (p *Presence) mirrorOffline(userID string) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.Del(context.Background(), presenceKey(userID)).Err(); err != nil {
		debugLog.Printf("Presence mirror del failed for %s: %v", userID, err)
	}
}
