package in

import (
	"context"
	"errors"

	"github.com/EthanQC/pulse/pkg/protocol"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
)

var (
	// ErrUnauthenticated 会话尚未完成握手
	ErrUnauthenticated = errors.New("session is not authenticated")
	// ErrEmptyUserID 握手未携带用户标识
	ErrEmptyUserID = errors.New("empty user id")
	// ErrSessionClosed 连接未建立或已断开
	ErrSessionClosed = errors.New("session is closed")
)

// SessionUseCase 连接生命周期与入站事件处理
type SessionUseCase interface {
	// Connect 记录一个刚建立、尚未认证的连接
	Connect(ctx context.Context, sessionID, remoteAddr string)
	// HandleFrame 处理客户端发来的一帧原始数据
	HandleFrame(ctx context.Context, sessionID string, raw []byte)
	// Authenticate 把连接绑定到用户，重复调用会重新绑定
	// 对未 Connect 或已 Disconnect 的会话返回 ErrSessionClosed
	Authenticate(ctx context.Context, sessionID, userID string) (entity.Session, error)
	// SendMessage 实时推送一条已持久化的聊天消息，返回给发送方的确认
	// 未认证的会话返回 ErrUnauthenticated，调用方不回复
	SendMessage(ctx context.Context, sessionID string, p protocol.SendMessagePayload) (protocol.MessageSentPayload, error)
	// Heartbeat 记录心跳
	Heartbeat(ctx context.Context, sessionID string)
	// Disconnect 连接断开，可重复调用
	Disconnect(ctx context.Context, sessionID string)
}

// DeliveryReport is the outcome of one fan-out. Callers log it; it never
// becomes an error for the collaborator that produced the data.
type DeliveryReport struct {
	TargetUserID string   `json:"target_user_id"`
	Sessions     int      `json:"sessions"`
	Delivered    int      `json:"delivered"`
	Suppressed   int      `json:"suppressed"`
	Failed       []string `json:"failed,omitempty"`
}

// Dropped reports a routing miss.
func (r DeliveryReport) Dropped() bool {
	return r.Sessions == 0
}

// DeliveryUseCase 投递用例，供外部协作方在持久化之后调用
type DeliveryUseCase interface {
	// Route fans an envelope out to every live session of its target.
	Route(ctx context.Context, env *entity.Envelope) (DeliveryReport, error)
	// DeliverChatMessage 推送聊天消息给接收方
	DeliverChatMessage(ctx context.Context, msg *entity.ChatMessage, originSessionID string) (DeliveryReport, error)
	// DeliverNotification 推送通知给接收方的所有会话
	DeliverNotification(ctx context.Context, n *entity.Notification) (DeliveryReport, error)
}

// Stats 服务统计
type Stats struct {
	presence.Stats
	Routed           int64 `json:"routed"`
	Dropped          int64 `json:"dropped"`
	TransmitFailures int64 `json:"transmit_failures"`
	ReapedByLiveness int64 `json:"reaped_by_liveness"`
}

// PresenceQuery 在线状态查询
type PresenceQuery interface {
	Presence(ctx context.Context, userIDs []string) []entity.UserPresence
	Stats(ctx context.Context) Stats
}
