package out

import (
	"context"
	"errors"

	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
)

// ErrRecipientUnresolved 会话中找不到其他参与者
var ErrRecipientUnresolved = errors.New("recipient not resolvable")

// PresenceRepository 在线状态镜像，供非实时服务读取
type PresenceRepository interface {
	// Apply 写入一次上下线事件
	Apply(ctx context.Context, ev entity.PresenceEvent) error
	// Refresh 刷新在线用户的过期时间
	Refresh(ctx context.Context, userID string) error
	// GetPresences 批量读取
	GetPresences(ctx context.Context, userIDs []string) (map[string]*entity.UserPresence, error)
}

// ConversationDirectory 会话参与者查询
type ConversationDirectory interface {
	// OtherParticipants returns the members of conversationID except userID.
	OtherParticipants(ctx context.Context, conversationID, userID string) ([]string, error)
}
