// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin          = "join"
	TypeSendMessage   = "message:send"
	TypeLoadOlder     = "messages:load-older"
	TypeDeleteHistory = "messages:delete"
	TypeTypingStart   = "typing:start"
	TypeTypingStop    = "typing:stop"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeUsersList       = "users:list"
	TypeUserOnline      = "user:online"
	TypeUserOffline     = "user:offline"
	TypeMessagesHistory = "messages:history"
	TypeMessagesOlder   = "messages:older"
	TypeNewMessage      = "message:new"
	TypeMessagesDeleted = "messages:deleted"
	TypeTypingUser      = "typing:user"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeAuthRequired     = "auth_required"
	CodePermissionDenied = "permission_denied"
	CodeInvalidJoin      = "invalid_join"
	CodeInvalidMessage   = "invalid_message"
	CodeStorageFailed    = "storage_failed"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload shapes
// ---------------------------------------------------------------------------

// Profile is the public presence profile carried in rosters and user:online
// events.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Contact     string `json:"contact,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	IsOnline    bool   `json:"isOnline"`
	JoinedAt    int64  `json:"joinedAt"` // unix milliseconds
}

// Message is a chat message as delivered to clients. CreatedAt is unix
// milliseconds. Avatar is the author's avatar resolved at read time; it is
// empty when no avatar is set or the lookup failed.
type Message struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	Avatar      string `json:"avatar,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg is the join handshake, sent once per transport connection before
// any other action is accepted. Avatar is optional; when set it replaces the
// stored avatar reference, when empty the stored one is used.
type JoinMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Contact     string `json:"contact"`
	Avatar      string `json:"avatar,omitempty"`
}

// SendMessageMsg carries the text of a new chat message.
type SendMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// LoadOlderMsg requests a page of messages created strictly before the
// cursor timestamp (unix milliseconds). A zero limit means the server default.
type LoadOlderMsg struct {
	Type   string `json:"type"`
	Before int64  `json:"before"`
	Limit  int    `json:"limit"`
}

// DeleteHistoryMsg requests a whole-history wipe. Admin only.
type DeleteHistoryMsg struct {
	Type string `json:"type"`
}

// TypingStartMsg signals that the user started typing.
type TypingStartMsg struct {
	Type string `json:"type"`
}

// TypingStopMsg signals that the user stopped typing.
type TypingStopMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UsersListMsg carries the full roster of currently-online users.
type UsersListMsg struct {
	Type  string    `json:"type"`
	Users []Profile `json:"users"`
}

// UserOnlineMsg announces a user coming online.
type UserOnlineMsg struct {
	Type string  `json:"type"`
	User Profile `json:"user"`
}

// UserOfflineMsg announces a user going offline.
type UserOfflineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// MessagesHistoryMsg carries the most recent message page, oldest first.
// Sent once per completed join.
type MessagesHistoryMsg struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// MessagesOlderMsg carries one page of older messages, oldest first. A page
// shorter than the requested limit signals that no more history exists.
type MessagesOlderMsg struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// NewMessageMsg broadcasts a freshly sent chat message.
type NewMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// MessagesDeletedMsg announces a whole-history wipe. Receivers must clear
// their local message buffers.
type MessagesDeletedMsg struct {
	Type      string `json:"type"`
	DeletedBy string `json:"deletedBy"`
}

// TypingUserMsg relays a typing indicator. Expiry is enforced by receivers,
// not the server.
type TypingUserMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// TypingStoppedMsg relays an explicit stop-typing signal to other clients.
// It shares the typing:stop type name with the client-side signal; direction
// disambiguates.
type TypingStoppedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// RateLimitedMsg is sent when the client's message sends are being throttled.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an error condition to a single connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLoadOlder:
		var m LoadOlderMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteHistory:
		var m DeleteHistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
