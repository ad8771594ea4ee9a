package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// AuthenticatePayload binds a connection to a user. Clients may also send
// the user id as a bare JSON string.
type AuthenticatePayload struct {
	UserID string `json:"userId"`
}

// AuthenticatedPayload acknowledges a handshake.
type AuthenticatedPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// PingPayload is echoed back verbatim as a pong.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SendMessagePayload is a live chat send. Message is the record the HTTP
// path already stored.
type SendMessagePayload struct {
	RecipientID string          `json:"recipientId"`
	Message     json.RawMessage `json:"message"`
}

// ReceiveMessagePayload is what recipients get for a chat message.
type ReceiveMessagePayload struct {
	Message        json.RawMessage `json:"message"`
	ConversationID string          `json:"conversationId,omitempty"`
}

// MessageSentPayload confirms a send to the originating session.
type MessageSentPayload struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ErrorPayload reports a malformed or unknown frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

var errNoUserID = errors.New("authenticate: missing user id")

// ParseAuthenticate accepts either "user-1" or {"userId":"user-1"}.
func ParseAuthenticate(data json.RawMessage) (string, error) {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare = strings.TrimSpace(bare); bare == "" {
			return "", errNoUserID
		}
		return bare, nil
	}

	var p AuthenticatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", errNoUserID
	}
	if p.UserID = strings.TrimSpace(p.UserID); p.UserID == "" {
		return "", errNoUserID
	}
	return p.UserID, nil
}

// ExtractID returns the identifier of a stored record, looking at "id" and
// then "_id". Empty when neither is a non-empty string.
func ExtractID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var rec struct {
		ID    string `json:"id"`
		MgoID string `json:"_id"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ""
	}
	if rec.ID != "" {
		return rec.ID
	}
	return rec.MgoID
}

// ConversationOf returns message.conversationId, used when a
// receiveMessage frame omits the top-level conversation id.
func ConversationOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var rec struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ""
	}
	return rec.ConversationID
}
