package application

import (
	"context"

	"go.uber.org/zap"

	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

// QueryService 在线状态与统计查询
// 在线与否只看本进程注册表；离线用户的最后活跃时间来自镜像存储（可选）
type QueryService struct {
	registry *presence.Registry
	router   *Router
	monitor  *LivenessMonitor
	repo     out.PresenceRepository
	nodeID   string
}

var _ in.PresenceQuery = (*QueryService)(nil)

func NewQueryService(registry *presence.Registry, router *Router, monitor *LivenessMonitor, repo out.PresenceRepository, nodeID string) *QueryService {
	return &QueryService{registry: registry, router: router, monitor: monitor, repo: repo, nodeID: nodeID}
}

func (q *QueryService) Presence(ctx context.Context, userIDs []string) []entity.UserPresence {
	result := make([]entity.UserPresence, 0, len(userIDs))
	var offline []string

	for _, uid := range userIDs {
		sessions := q.registry.SessionsFor(uid)
		p := entity.UserPresence{UserID: uid, Online: len(sessions) > 0, SessionCount: len(sessions)}
		if p.Online {
			p.NodeID = q.nodeID
		} else {
			offline = append(offline, uid)
		}
		result = append(result, p)
	}

	if q.repo == nil || len(offline) == 0 {
		return result
	}
	mirrored, err := q.repo.GetPresences(ctx, offline)
	if err != nil {
		zap.L().Warn("read mirrored presence", zap.Error(err))
		return result
	}
	for i := range result {
		if m, ok := mirrored[result[i].UserID]; ok && !result[i].Online {
			result[i].LastSeenAt = m.LastSeenAt
			result[i].UpdatedAt = m.UpdatedAt
		}
	}
	return result
}

func (q *QueryService) Stats(ctx context.Context) in.Stats {
	s := in.Stats{Stats: q.registry.Stats()}
	if q.router != nil {
		s.Routed, s.Dropped, s.TransmitFailures = q.router.counters()
	}
	if q.monitor != nil {
		s.ReapedByLiveness = q.monitor.Reaped()
	}
	return s
}
