package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxEnvelopeSize is the maximum allowed size of a single inbound
	// envelope (256 KB). Anything larger is rejected before decoding.
	MaxEnvelopeSize = 256 * 1024
)

// Inbound event names (client → server).
const (
	EventChatJoin        = "chat:join"
	EventChatLeave       = "chat:leave"
	EventMessageSend     = "message:send"
	EventMessageEdit     = "message:edit"
	EventMessageDelete   = "message:delete"
	EventMessageReaction = "message:reaction"
	EventMessageRead     = "message:read"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventPresenceUpdate  = "presence:update"
)

// Outbound-only event names (server → client).
const (
	EventMessageReceive = "message:receive"
	EventChatJoined     = "chat:joined"
	EventChatRemoved    = "chat:removed"
	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
	EventUserStatus     = "user:status"
	EventResyncRequired = "resync:required"
	EventError          = "error"
)

// Stable error codes carried by the error event. Clients key retry and
// recovery behavior off these strings, so they never change.
const (
	ErrCodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	ErrCodeUnauthenticated      = "UNAUTHENTICATED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodePersistenceFailed    = "PERSISTENCE_FAILED"
	ErrCodeResyncRequired       = "RESYNC_REQUIRED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeInvalidEvent         = "INVALID_EVENT"
)

var (
	ErrEnvelopeTooLarge = errors.New("envelope exceeds maximum size")
	ErrMissingEvent     = errors.New("envelope has no event name")
	ErrUnknownEvent     = errors.New("unknown event name")
	ErrInvalidPayload   = errors.New("invalid event payload")
)

// Envelope is the wire form of every event in both directions:
// a name plus a JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event name and payload into envelope bytes.
func Encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(&Envelope{Event: event, Data: raw})
}

// Decode parses envelope bytes, enforcing the size cap and requiring an
// event name. The payload is left raw for the event-specific decoders.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return &env, nil
}
