package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/store"
)

// Durable payload bodies, stored as JSON in the event log and unpacked
// again for replay.
type messageBody struct {
	Content string `json:"content"`
	Type    string `json:"type"`
	ReplyTo string `json:"replyTo,omitempty"`
}

type editBody struct {
	Content string `json:"content"`
}

type reactionBody struct {
	Emoji  string `json:"emoji"`
	Action string `json:"action"`
}

// Reconciler fills delivery gaps for clients that rejoin with a sequence
// position. Small gaps are replayed from the log in order; gaps too large
// to replay, or reaching past trimmed history, get a resync marker so the
// client rebuilds its view out of band.
type Reconciler struct {
	db         *store.Store
	metrics    *Metrics
	maxCatchup int // largest gap replayed before forcing a resync
	pageSize   int
}

// NewReconciler creates a reconciler. maxCatchup bounds the events replayed
// per chat per rejoin.
func NewReconciler(db *store.Store, metrics *Metrics, maxCatchup int) *Reconciler {
	pageSize := 100
	if maxCatchup < pageSize {
		pageSize = maxCatchup
	}
	return &Reconciler{db: db, metrics: metrics, maxCatchup: maxCatchup, pageSize: pageSize}
}

// CatchUp replays the chat's events after fromSeq to the connection. The
// caller must already hold the chat's fan-out lock so replay cannot
// interleave with live broadcasts. Returns the sequence the connection is
// caught up to.
func (r *Reconciler) CatchUp(conn *Conn, chatID string, fromSeq int64) (int64, error) {
	last, err := r.db.LastSeq(chatID)
	if err != nil {
		return 0, err
	}
	if fromSeq >= last {
		conn.SetCursor(chatID, last)
		return last, nil
	}

	// Replay is pointless when the gap outruns the budget or reaches into
	// trimmed history. The client gets a resync marker instead of a
	// partial, silently-holed replay.
	oldest, err := r.db.OldestSeq(chatID)
	if err != nil {
		return 0, err
	}
	gap := last - fromSeq
	// oldest == 0 here means retention emptied the log even though the seq
	// counter is ahead of the client, so the whole gap is gone.
	trimmed := oldest == 0 || oldest > fromSeq+1
	if int(gap) > r.maxCatchup || trimmed {
		return last, r.forceResync(conn, chatID, last)
	}

	conn.SetCursor(chatID, fromSeq)
	replayed := 0
	cursor := fromSeq
	for cursor < last {
		events, err := r.db.EventsAfter(chatID, cursor, r.pageSize)
		if err != nil {
			return cursor, err
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			data, err := frameFor(ev)
			if err != nil {
				errorLog.Printf("Skipping unreplayable event %s/%d: %v", chatID, ev.Seq, err)
				conn.SetCursor(chatID, ev.Seq)
				cursor = ev.Seq
				continue
			}
			if !conn.Deliver(chatID, ev.Seq, data) {
				return cursor, fmt.Errorf("connection %s cannot absorb replay", conn.ID)
			}
			cursor = ev.Seq
			replayed++
		}
	}

	if r.metrics != nil {
		r.metrics.RecordReplayed(replayed)
	}
	debugLog.Printf("Replayed %d events to %s for chat %s (%d..%d)", replayed, conn.ID, chatID, fromSeq+1, cursor)
	return cursor, nil
}

// forceResync points the connection at the log head and tells the client
// to rebuild its view through the history API.
func (r *Reconciler) forceResync(conn *Conn, chatID string, last int64) error {
	conn.SetCursor(chatID, last)
	if r.metrics != nil {
		r.metrics.RecordResync()
	}
	data, err := protocol.Encode(protocol.EventResyncRequired, protocol.ResyncRequired{
		ChatID: chatID,
		Seq:    last,
	})
	if err != nil {
		return err
	}
	if !conn.Send(data) {
		return fmt.Errorf("connection %s cannot absorb resync marker", conn.ID)
	}
	return nil
}

// frameFor rebuilds the outbound frame a stored event produced when it was
// first broadcast.
func frameFor(ev store.StoredEvent) ([]byte, error) {
	at := time.UnixMilli(ev.CreatedAt)

	switch ev.Kind {
	case store.KindMessage:
		var body messageBody
		if err := json.Unmarshal([]byte(ev.Payload), &body); err != nil {
			return nil, fmt.Errorf("bad message payload: %w", err)
		}
		return protocol.Encode(protocol.EventMessageReceive, protocol.MessageReceive{
			MessageID:   ev.RefID,
			ChatID:      ev.ChatID,
			Seq:         ev.Seq,
			SenderID:    ev.SenderID,
			Content:     body.Content,
			Type:        body.Type,
			ReplyTo:     body.ReplyTo,
			ClientToken: ev.ClientToken,
			SentAt:      at,
		})

	case store.KindEdit:
		var body editBody
		if err := json.Unmarshal([]byte(ev.Payload), &body); err != nil {
			return nil, fmt.Errorf("bad edit payload: %w", err)
		}
		return protocol.Encode(protocol.EventMessageEdit, protocol.MessageEdited{
			MessageID: ev.RefID,
			ChatID:    ev.ChatID,
			Seq:       ev.Seq,
			SenderID:  ev.SenderID,
			Content:   body.Content,
			EditedAt:  at,
		})

	case store.KindDelete:
		return protocol.Encode(protocol.EventMessageDelete, protocol.MessageDeleted{
			MessageID: ev.RefID,
			ChatID:    ev.ChatID,
			Seq:       ev.Seq,
			SenderID:  ev.SenderID,
			DeletedAt: at,
		})

	case store.KindReaction:
		var body reactionBody
		if err := json.Unmarshal([]byte(ev.Payload), &body); err != nil {
			return nil, fmt.Errorf("bad reaction payload: %w", err)
		}
		return protocol.Encode(protocol.EventMessageReaction, protocol.ReactionUpdate{
			MessageID: ev.RefID,
			ChatID:    ev.ChatID,
			Seq:       ev.Seq,
			UserID:    ev.SenderID,
			Emoji:     body.Emoji,
			Action:    body.Action,
			At:        at,
		})
	}

	return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
}
