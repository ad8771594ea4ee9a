package entity

import "time"

// Session 一条存活的传输连接
// UserID 在握手完成前为空
type Session struct {
	ID              string    `json:"session_id"`
	UserID          string    `json:"user_id,omitempty"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Bound reports whether the handshake has completed.
func (s Session) Bound() bool {
	return s.UserID != ""
}

// PresenceStatus 在线状态
type PresenceStatus string

const (
	PresenceStatusOnline  PresenceStatus = "online"
	PresenceStatusOffline PresenceStatus = "offline"
)

// PresenceEvent 上下线事件，仅在用户的第一个会话绑定或最后一个会话解绑时产生
type PresenceEvent struct {
	UserID       string         `json:"user_id"`
	Status       PresenceStatus `json:"status"`
	SessionCount int            `json:"session_count"`
	NodeID       string         `json:"node_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// UserPresence is the mirrored view other services read.
type UserPresence struct {
	UserID       string    `json:"user_id"`
	Online       bool      `json:"online"`
	SessionCount int       `json:"session_count"`
	NodeID       string    `json:"node_id,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
