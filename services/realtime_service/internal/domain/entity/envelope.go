package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnvelopeKind 投递类型
type EnvelopeKind string

const (
	KindChatMessage  EnvelopeKind = "chat-message"
	KindNotification EnvelopeKind = "notification"
)

// SuppressesEcho reports whether the originating session is skipped when the
// target user is also the sender. A chat message is already rendered in the
// tab that sent it; notifications are not.
func (k EnvelopeKind) SuppressesEcho() bool {
	return k == KindChatMessage
}

// Envelope 投递信封：由外部协作方在持久化之后构造，路由器消费一次后丢弃
type Envelope struct {
	TargetUserID    string          `json:"target_user_id"`
	Kind            EnvelopeKind    `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	OriginSessionID string          `json:"origin_session_id,omitempty"`
}

var (
	ErrNoTarget    = errors.New("envelope has no target user")
	ErrUnknownKind = errors.New("envelope kind is unknown")
	ErrNoPayload   = errors.New("envelope has no payload")
)

// Validate checks the fields the router depends on.
func (e *Envelope) Validate() error {
	if e.TargetUserID == "" {
		return ErrNoTarget
	}
	switch e.Kind {
	case KindChatMessage, KindNotification:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if len(e.Payload) == 0 {
		return ErrNoPayload
	}
	return nil
}

// ChatMessage 已持久化的聊天消息
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"sender"`
	RecipientID    string    `json:"recipient,omitempty"`
	Text           string    `json:"text"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Validate checks a chat message handed over by a collaborator.
func (m *ChatMessage) Validate() error {
	switch {
	case m.ID == "":
		return errors.New("chat message: id is required")
	case m.SenderID == "":
		return errors.New("chat message: sender is required")
	case m.RecipientID == "":
		return errors.New("chat message: recipient is required")
	}
	return nil
}

// NotificationType 通知类型
type NotificationType string

const (
	NotificationLike          NotificationType = "like"
	NotificationComment       NotificationType = "comment"
	NotificationFriendRequest NotificationType = "friend_request"
)

// Notification 已持久化的通知
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient"`
	Sender      json.RawMessage  `json:"sender"` // id or populated profile
	Type        NotificationType `json:"type"`
	PostID      string           `json:"postId,omitempty"`
	CommentID   string           `json:"commentId,omitempty"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Validate mirrors the storage schema: likes and comments reference a post,
// comments also reference the comment.
func (n *Notification) Validate() error {
	if n.ID == "" {
		return errors.New("notification: id is required")
	}
	if n.RecipientID == "" {
		return errors.New("notification: recipient is required")
	}
	if len(n.Sender) == 0 {
		return errors.New("notification: sender is required")
	}
	switch n.Type {
	case NotificationLike:
		if n.PostID == "" {
			return errors.New("notification: postId is required for like")
		}
	case NotificationComment:
		if n.PostID == "" || n.CommentID == "" {
			return errors.New("notification: postId and commentId are required for comment")
		}
	case NotificationFriendRequest:
	default:
		return fmt.Errorf("notification: unknown type %q", n.Type)
	}
	return nil
}
