package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message content types accepted from clients. "system" is reserved for
// server-generated messages and is rejected on send.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypeAudio = "audio"
	MessageTypeVideo = "video"
)

// Presence statuses a client may announce.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Reaction actions.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// Inbound is implemented by every decoded client event. Each event kind has
// an explicit struct so handlers never touch raw JSON.
type Inbound interface {
	inbound()
}

// JoinChat subscribes the connection to a conversation. LastSeq is the
// highest sequence number the client has already seen (0 for none); the
// server replays anything newer.
type JoinChat struct {
	ChatID  string `json:"chatId"`
	LastSeq int64  `json:"lastSeq"`
}

// LeaveChat unsubscribes the connection from a conversation.
type LeaveChat struct {
	ChatID string `json:"chatId"`
}

// SendMessage posts a new message. ClientToken makes retries idempotent:
// resending with the same token returns the original result.
type SendMessage struct {
	ChatID      string `json:"chatId"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	ClientToken string `json:"clientToken"`
	ReplyTo     string `json:"replyTo,omitempty"`
}

// EditMessage replaces the content of an existing message.
type EditMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
}

// DeleteMessage soft-deletes an existing message.
type DeleteMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// Reaction adds or removes an emoji reaction on a message.
type Reaction struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// ReadReceipt marks a message as read by the sender of the event.
type ReadReceipt struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// Typing signals the start or stop of typing in a conversation. The same
// payload shape serves typing:start and typing:stop.
type Typing struct {
	ChatID string `json:"chatId"`
}

// PresenceUpdate announces a manual status change.
type PresenceUpdate struct {
	Status string `json:"status"`
}

func (JoinChat) inbound()       {}
func (LeaveChat) inbound()      {}
func (SendMessage) inbound()    {}
func (EditMessage) inbound()    {}
func (DeleteMessage) inbound()  {}
func (Reaction) inbound()       {}
func (ReadReceipt) inbound()    {}
func (Typing) inbound()         {}
func (PresenceUpdate) inbound() {}

// TypingStart and TypingStop need distinct dynamic types so the router can
// tell them apart after decoding.
type TypingStart struct{ Typing }
type TypingStop struct{ Typing }

// ValidMessageType reports whether t is a content type clients may send.
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeAudio, MessageTypeVideo:
		return true
	}
	return false
}

// ValidStatus reports whether s is an announceable presence status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// DecodeInbound turns an envelope into its typed event, validating the
// fields each event kind requires.
func DecodeInbound(env *Envelope) (Inbound, error) {
	switch env.Event {
	case EventChatJoin:
		var ev JoinChat
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ChatID == "" || ev.LastSeq < 0 {
			return nil, fmt.Errorf("%w: %s requires chatId and non-negative lastSeq", ErrInvalidPayload, env.Event)
		}
		return ev, nil

	case EventChatLeave:
		var ev LeaveChat
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ChatID == "" {
			return nil, fmt.Errorf("%w: %s requires chatId", ErrInvalidPayload, env.Event)
		}
		return ev, nil

	case EventMessageSend:
		var ev SendMessage
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.Type == "" {
			ev.Type = MessageTypeText
		}
		if ev.ChatID == "" || ev.Content == "" || ev.ClientToken == "" {
			return nil, fmt.Errorf("%w: %s requires chatId, content and clientToken", ErrInvalidPayload, env.Event)
		}
		if !ValidMessageType(ev.Type) {
			return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, ev.Type)
		}
		return ev, nil

	case EventMessageEdit:
		var ev EditMessage
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" || ev.ChatID == "" || ev.Content == "" {
			return nil, fmt.Errorf("%w: %s requires messageId, chatId and content", ErrInvalidPayload, env.Event)
		}
		return ev, nil

	case EventMessageDelete:
		var ev DeleteMessage
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" || ev.ChatID == "" {
			return nil, fmt.Errorf("%w: %s requires messageId and chatId", ErrInvalidPayload, env.Event)
		}
		return ev, nil

	case EventMessageReaction:
		var ev Reaction
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" || ev.ChatID == "" || ev.Emoji == "" {
			return nil, fmt.Errorf("%w: %s requires messageId, chatId and emoji", ErrInvalidPayload, env.Event)
		}
		if ev.Action != ReactionAdd && ev.Action != ReactionRemove {
			return nil, fmt.Errorf("%w: reaction action must be add or remove", ErrInvalidPayload)
		}
		return ev, nil

	case EventMessageRead:
		var ev ReadReceipt
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" || ev.ChatID == "" {
			return nil, fmt.Errorf("%w: %s requires messageId and chatId", ErrInvalidPayload, env.Event)
		}
		return ev, nil

	case EventTypingStart, EventTypingStop:
		var ev Typing
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ChatID == "" {
			return nil, fmt.Errorf("%w: %s requires chatId", ErrInvalidPayload, env.Event)
		}
		if env.Event == EventTypingStart {
			return TypingStart{ev}, nil
		}
		return TypingStop{ev}, nil

	case EventPresenceUpdate:
		var ev PresenceUpdate
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if !ValidStatus(ev.Status) {
			return nil, fmt.Errorf("%w: unknown presence status %q", ErrInvalidPayload, ev.Status)
		}
		return ev, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decodePayload(env *Envelope, dst interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Outbound payloads
// ---------------------------------------------------------------------------

// MessageReceive is the persisted-and-sequenced form of a sent message,
// fanned out to every subscriber. The sender's own devices receive it too;
// the echo doubles as the send acknowledgement.
type MessageReceive struct {
	MessageID   string    `json:"messageId"`
	ChatID      string    `json:"chatId"`
	Seq         int64     `json:"seq"`
	SenderID    string    `json:"senderId"`
	Content     string    `json:"content"`
	Type        string    `json:"type"`
	ReplyTo     string    `json:"replyTo,omitempty"`
	ClientToken string    `json:"clientToken,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// MessageEdited broadcasts a content change. Seq is the edit event's own
// sequence number, so edits participate in gap detection like messages do.
type MessageEdited struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"editedAt"`
}

// MessageDeleted broadcasts a soft deletion.
type MessageDeleted struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"senderId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// ReactionUpdate broadcasts a reaction add/remove.
type ReactionUpdate struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Seq       int64     `json:"seq"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	Action    string    `json:"action"`
	At        time.Time `json:"at"`
}

// ReadUpdate notifies a chat that a member read a message.
type ReadUpdate struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// TypingUpdate is fanned out for typing:start and typing:stop.
type TypingUpdate struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// UserOnline announces a user coming online.
type UserOnline struct {
	UserID string `json:"userId"`
}

// UserOffline announces a user going offline after the grace window.
type UserOffline struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// UserStatus announces a manual status change.
type UserStatus struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// ChatJoined confirms a join and reports the channel's current sequence
// number so the client can tell what it missed.
type ChatJoined struct {
	ChatID string `json:"chatId"`
	Seq    int64  `json:"seq"`
}

// ChatRemoved tells a connection it was removed from a conversation.
type ChatRemoved struct {
	ChatID string `json:"chatId"`
}

// ResyncRequired tells a client its gap is unrecoverable and it must do a
// full reload instead of a gap fill.
type ResyncRequired struct {
	ChatID string `json:"chatId"`
	Seq    int64  `json:"seq"`
}

// ErrorPayload is the body of the error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
