package server

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bridgeChannel = "parley:events"

// Bridge relays broadcast frames between server nodes over redis pub/sub.
// Each node publishes what it fans out locally and applies what other
// nodes publish, so subscribers of one chat spread across nodes all see
// the same stream. Frames tagged with our own node id are skipped.
type Bridge struct {
	rdb    *redis.Client
	router *Router
	nodeID string

	cancel context.CancelFunc
	done   chan struct{}
}

type relayFrame struct {
	Node   string          `json:"node"`
	ChatID string          `json:"chatId"`
	Seq    int64           `json:"seq"`
	Data   json.RawMessage `json:"data"`
}

// NewBridge creates a relay on the given redis client.
func NewBridge(rdb *redis.Client, router *Router) *Bridge {
	return &Bridge{
		rdb:    rdb,
		router: router,
		nodeID: uuid.NewString(),
		done:   make(chan struct{}),
	}
}

// Start subscribes and begins applying remote frames.
func (b *Bridge) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	sub := b.rdb.Subscribe(ctx, bridgeChannel)
	go func() {
		defer close(b.done)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(msg)
			}
		}
	}()
}

func (b *Bridge) apply(msg *redis.Message) {
	var frame relayFrame
	if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
		errorLog.Printf("Dropping malformed relay frame: %v", err)
		return
	}
	if frame.Node == b.nodeID {
		return
	}
	b.router.RemoteDeliver(frame.ChatID, frame.Seq, frame.Data)
}

// Publish sends a locally fanned-out frame to the other nodes. Best
// effort: relay failure never blocks or fails local delivery.
func (b *Bridge) Publish(chatID string, seq int64, data []byte) {
	frame, err := json.Marshal(relayFrame{
		Node:   b.nodeID,
		ChatID: chatID,
		Seq:    seq,
		Data:   data,
	})
	if err != nil {
		errorLog.Printf("Failed to encode relay frame for %s: %v", chatID, err)
		return
	}
	if err := b.rdb.Publish(context.Background(), bridgeChannel, frame).Err(); err != nil {
		debugLog.Printf("Relay publish failed for %s: %v", chatID, err)
	}
}

// Stop unsubscribes and waits for the apply loop to exit.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}
