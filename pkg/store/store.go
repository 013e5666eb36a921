package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrChatNotFound indicates the conversation does not exist.
	ErrChatNotFound = errors.New("chat not found")
	// ErrMessageNotFound indicates no message event with that id exists.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotParticipant indicates the user is not a member of the chat.
	ErrNotParticipant = errors.New("not a participant")
)

// Durable event kinds. Only these are written to the per-chat log; typing
// and presence never reach the store.
const (
	KindMessage  = "message"
	KindEdit     = "edit"
	KindDelete   = "delete"
	KindReaction = "reaction"
)

// Participant roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// Store holds the append-only per-conversation event log and the membership
// tables. Sequence numbers are assigned here, atomically with the write, so
// no two events in one chat ever share a number even under concurrent
// senders.
type Store struct {
	conn      *sql.DB // read connection pool
	writeConn *sql.DB // dedicated write connection (single connection)

	removalHook func(chatID, userID string) // invoked after RemoveParticipant
}

// Event is the input to AppendEvent.
type Event struct {
	Kind        string
	SenderID    string
	RefID       string // id of the message this event concerns
	ClientToken string // messages only; "" for other kinds
	Payload     string // kind-specific JSON body
}

// StoredEvent is an event as recorded in the log, with its assigned
// sequence number and server timestamp.
type StoredEvent struct {
	ChatID      string
	Seq         int64
	Kind        string
	SenderID    string
	RefID       string
	ClientToken string
	Payload     string
	CreatedAt   int64 // Unix timestamp in milliseconds
}

// Appended is the result of AppendEvent. Duplicate is true when the client
// token matched a previously stored event, in which case StoredEvent is
// that prior record.
type Appended struct {
	StoredEvent
	Duplicate bool
}

// Open opens the SQLite store at the given path and initializes the schema
// if needed.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// Multiple readers in WAL mode, but writes go through writeConn only.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly one write connection, never recycled. SQLite allows a single
	// writer; funneling all writes through one connection serializes
	// sequence assignment without SQLITE_BUSY churn.
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	s := &Store{conn: conn, writeConn: writeConn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes both connections.
func (s *Store) Close() error {
	werr := s.writeConn.Close()
	rerr := s.conn.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// initSchema creates all tables and indexes if they don't exist
func (s *Store) initSchema() error {
	schema := `
-- Chat table: one row per conversation; last_seq is the ordering linchpin
CREATE TABLE IF NOT EXISTS Chat (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT 'group',
	last_seq INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

-- ChatParticipant table: membership truth consulted on join/authorize
CREATE TABLE IF NOT EXISTS ChatParticipant (
	chat_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (chat_id, user_id),
	FOREIGN KEY (chat_id) REFERENCES Chat(id) ON DELETE CASCADE
);

-- ChatEvent table: append-only per-chat log, seq strictly increasing
CREATE TABLE IF NOT EXISTS ChatEvent (
	chat_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	ref_id TEXT NOT NULL,
	client_token TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (chat_id, seq),
	FOREIGN KEY (chat_id) REFERENCES Chat(id) ON DELETE CASCADE
);

-- Indexes
CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_events_token
	ON ChatEvent(chat_id, sender_id, client_token) WHERE client_token != '';
CREATE INDEX IF NOT EXISTS idx_chat_events_ref ON ChatEvent(chat_id, ref_id);
CREATE INDEX IF NOT EXISTS idx_participants_user ON ChatParticipant(user_id);
`

	_, err := s.conn.Exec(schema)
	return err
}

// CreateChat creates a conversation. Kind is "direct" or "group".
func (s *Store) CreateChat(id, kind string) error {
	_, err := s.writeConn.Exec(
		`INSERT INTO Chat (id, kind, created_at) VALUES (?, ?, ?)`,
		id, kind, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	return nil
}

// ChatExists reports whether the conversation exists.
func (s *Store) ChatExists(chatID string) (bool, error) {
	var one int
	err := s.conn.QueryRow(`SELECT 1 FROM Chat WHERE id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AppendEvent assigns the next sequence number for the chat and records the
// event, atomically. A duplicate client token returns the previously stored
// event instead of writing a second one, so client retries are idempotent.
func (s *Store) AppendEvent(chatID string, ev Event) (Appended, error) {
	// Fast path for retries: a prior record with this token wins before we
	// touch the sequence counter.
	if ev.ClientToken != "" {
		if prior, err := s.eventByToken(chatID, ev.SenderID, ev.ClientToken); err == nil {
			return Appended{StoredEvent: prior, Duplicate: true}, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return Appended{}, err
		}
	}

	tx, err := s.writeConn.Begin()
	if err != nil {
		return Appended{}, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE Chat SET last_seq = last_seq + 1 WHERE id = ?`, chatID)
	if err != nil {
		return Appended{}, fmt.Errorf("failed to advance sequence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Appended{}, err
	}
	if affected == 0 {
		return Appended{}, ErrChatNotFound
	}

	var seq int64
	if err := tx.QueryRow(`SELECT last_seq FROM Chat WHERE id = ?`, chatID).Scan(&seq); err != nil {
		return Appended{}, fmt.Errorf("failed to read sequence: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = tx.Exec(
		`INSERT INTO ChatEvent (chat_id, seq, kind, sender_id, ref_id, client_token, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chatID, seq, ev.Kind, ev.SenderID, ev.RefID, ev.ClientToken, ev.Payload, now,
	)
	if err != nil {
		// Constraint backstop for a retry racing the fast path above. The
		// sequence bump rolls back with the transaction, so no number leaks.
		if ev.ClientToken != "" && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			prior, lookupErr := s.eventByToken(chatID, ev.SenderID, ev.ClientToken)
			if lookupErr != nil {
				return Appended{}, fmt.Errorf("duplicate token lookup failed: %w", lookupErr)
			}
			return Appended{StoredEvent: prior, Duplicate: true}, nil
		}
		return Appended{}, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Appended{}, fmt.Errorf("failed to commit append: %w", err)
	}

	return Appended{StoredEvent: StoredEvent{
		ChatID:      chatID,
		Seq:         seq,
		Kind:        ev.Kind,
		SenderID:    ev.SenderID,
		RefID:       ev.RefID,
		ClientToken: ev.ClientToken,
		Payload:     ev.Payload,
		CreatedAt:   now,
	}}, nil
}

func (s *Store) eventByToken(chatID, senderID, token string) (StoredEvent, error) {
	row := s.conn.QueryRow(
		`SELECT chat_id, seq, kind, sender_id, ref_id, client_token, payload, created_at
		 FROM ChatEvent WHERE chat_id = ? AND sender_id = ? AND client_token = ?`,
		chatID, senderID, token,
	)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (StoredEvent, error) {
	var ev StoredEvent
	err := row.Scan(&ev.ChatID, &ev.Seq, &ev.Kind, &ev.SenderID, &ev.RefID,
		&ev.ClientToken, &ev.Payload, &ev.CreatedAt)
	return ev, err
}

// EventsAfter returns up to limit events with seq > afterSeq, in sequence
// order. Used for gap replay on reconnect.
func (s *Store) EventsAfter(chatID string, afterSeq int64, limit int) ([]StoredEvent, error) {
	rows, err := s.conn.Query(
		`SELECT chat_id, seq, kind, sender_id, ref_id, client_token, payload, created_at
		 FROM ChatEvent WHERE chat_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		chatID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastSeq returns the chat's current sequence number. Channels seed from
// this on lazy create so numbers are never reused after a restart.
func (s *Store) LastSeq(chatID string) (int64, error) {
	var seq int64
	err := s.conn.QueryRow(`SELECT last_seq FROM Chat WHERE id = ?`, chatID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrChatNotFound
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// OldestSeq returns the lowest retained sequence number for the chat, or 0
// when the log is empty. A reconnecting client whose lastSeq predates this
// cannot be gap-filled and must resync.
func (s *Store) OldestSeq(chatID string) (int64, error) {
	var seq sql.NullInt64
	err := s.conn.QueryRow(`SELECT MIN(seq) FROM ChatEvent WHERE chat_id = ?`, chatID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// MessageSender returns the sender of the original message event with the
// given id, for ownership checks on edit/delete.
func (s *Store) MessageSender(chatID, messageID string) (string, error) {
	var sender string
	err := s.conn.QueryRow(
		`SELECT sender_id FROM ChatEvent WHERE chat_id = ? AND kind = ? AND ref_id = ?`,
		chatID, KindMessage, messageID,
	).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", err
	}
	return sender, nil
}

// AddParticipant adds a user to a conversation (idempotent).
func (s *Store) AddParticipant(chatID, userID, role string) error {
	_, err := s.writeConn.Exec(
		`INSERT INTO ChatParticipant (chat_id, user_id, role, joined_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET role = excluded.role`,
		chatID, userID, role, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// RemoveParticipant removes a user from a conversation and fires the
// removal hook so live subscriptions are revoked without waiting for the
// client. Idempotent: removing a non-member is a no-op.
func (s *Store) RemoveParticipant(chatID, userID string) error {
	res, err := s.writeConn.Exec(
		`DELETE FROM ChatParticipant WHERE chat_id = ? AND user_id = ?`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 && s.removalHook != nil {
		s.removalHook(chatID, userID)
	}
	return nil
}

// SetRemovalHook registers the callback fired after a participant removal.
// The membership layer uses it to force-unsubscribe live connections.
func (s *Store) SetRemovalHook(fn func(chatID, userID string)) {
	s.removalHook = fn
}

// IsParticipant reports whether the user is currently a member of the chat.
func (s *Store) IsParticipant(userID, chatID string) (bool, error) {
	var one int
	err := s.conn.QueryRow(
		`SELECT 1 FROM ChatParticipant WHERE chat_id = ? AND user_id = ?`,
		chatID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ParticipantRole returns the user's role in the chat.
func (s *Store) ParticipantRole(userID, chatID string) (string, error) {
	var role string
	err := s.conn.QueryRow(
		`SELECT role FROM ChatParticipant WHERE chat_id = ? AND user_id = ?`,
		chatID, userID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotParticipant
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// ChatsForUser returns the ids of every conversation the user belongs to.
// Presence broadcasts target the subscribers of these chats.
func (s *Store) ChatsForUser(userID string) ([]string, error) {
	rows, err := s.conn.Query(
		`SELECT chat_id FROM ChatParticipant WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// TrimOlderThan deletes events created before the cutoff (Unix
// milliseconds) across all chats, returning the number removed.
func (s *Store) TrimOlderThan(cutoff int64) (int64, error) {
	res, err := s.writeConn.Exec(
		`DELETE FROM ChatEvent WHERE created_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to trim events: %w", err)
	}
	return res.RowsAffected()
}

// TrimBefore deletes events with seq < before, returning the number
// removed. Retention cleanup calls this; reconnects older than the trim
// point get ResyncRequired.
func (s *Store) TrimBefore(chatID string, before int64) (int64, error) {
	res, err := s.writeConn.Exec(
		`DELETE FROM ChatEvent WHERE chat_id = ? AND seq < ?`, chatID, before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to trim events: %w", err)
	}
	return res.RowsAffected()
}
