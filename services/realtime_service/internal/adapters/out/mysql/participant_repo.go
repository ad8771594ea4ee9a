package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

// ParticipantModel 会话成员，只读；表由会话服务维护
type ParticipantModel struct {
	ID             uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	ConversationID string    `gorm:"column:conversation_id;type:varchar(64);not null;index"`
	UserID         string    `gorm:"column:user_id;type:varchar(64);not null;index"`
	JoinedAt       time.Time `gorm:"column:joined_at;autoCreateTime"`
}

func (ParticipantModel) TableName() string {
	return "participants"
}

// ConversationDirectoryMySQL 按会话查询其他成员，用于解析 sendMessage 的接收方
type ConversationDirectoryMySQL struct {
	db *gorm.DB
}

var _ out.ConversationDirectory = (*ConversationDirectoryMySQL)(nil)

func NewConversationDirectoryMySQL(db *gorm.DB) *ConversationDirectoryMySQL {
	return &ConversationDirectoryMySQL{db: db}
}

func (r *ConversationDirectoryMySQL) OtherParticipants(ctx context.Context, conversationID, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&ParticipantModel{}).
		Where("conversation_id = ? AND user_id <> ?", conversationID, userID).
		Order("id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return ids, nil
}
