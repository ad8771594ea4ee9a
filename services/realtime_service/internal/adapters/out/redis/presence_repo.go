package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

const (
	// 在线状态 Key 前缀，hash: session_count / node_id / updated_at
	presenceKeyPrefix = "im:presence:"
	// 最后活跃时间 Key 前缀，值为 unix 秒
	lastSeenKeyPrefix = "im:lastseen:"

	defaultPresenceTTL = 3 * time.Minute
	defaultLastSeenTTL = 7 * 24 * time.Hour
)

// PresenceRepositoryRedis 在线状态镜像
// 在线的 key 带 TTL，进程异常退出后自然过期；心跳刷新 TTL
type PresenceRepositoryRedis struct {
	client      redis.UniversalClient
	presenceTTL time.Duration
	lastSeenTTL time.Duration
}

var _ out.PresenceRepository = (*PresenceRepositoryRedis)(nil)

func NewPresenceRepositoryRedis(client redis.UniversalClient, presenceTTL, lastSeenTTL time.Duration) *PresenceRepositoryRedis {
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}
	if lastSeenTTL <= 0 {
		lastSeenTTL = defaultLastSeenTTL
	}
	return &PresenceRepositoryRedis{client: client, presenceTTL: presenceTTL, lastSeenTTL: lastSeenTTL}
}

func presenceKey(userID string) string { return presenceKeyPrefix + userID }

func lastSeenKey(userID string) string { return lastSeenKeyPrefix + userID }

// Apply 写入上下线事件
// 下线只删除本节点写入的记录，避免覆盖用户在其他节点上的在线状态
func (r *PresenceRepositoryRedis) Apply(ctx context.Context, ev entity.PresenceEvent) error {
	key := presenceKey(ev.UserID)

	if ev.Status == entity.PresenceStatusOnline {
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, key,
			"session_count", ev.SessionCount,
			"node_id", ev.NodeID,
			"updated_at", ev.Timestamp.Unix(),
		)
		pipe.Expire(ctx, key, r.presenceTTL)
		_, err := pipe.Exec(ctx)
		return err
	}

	if err := r.client.Set(ctx, lastSeenKey(ev.UserID), ev.Timestamp.Unix(), r.lastSeenTTL).Err(); err != nil {
		return err
	}
	return releaseScript.Run(ctx, r.client, []string{key}, ev.NodeID).Err()
}

// releaseScript 比较 node_id 后删除，读和删之间不会插入其他节点的上线写入
// 单 key，集群模式下也能执行
var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'node_id')
if (not owner) or owner == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Refresh 刷新 TTL，不存在的 key 不会被创建
func (r *PresenceRepositoryRedis) Refresh(ctx context.Context, userID string) error {
	return r.client.Expire(ctx, presenceKey(userID), r.presenceTTL).Err()
}

// GetPresences 批量获取，离线用户带最后活跃时间
func (r *PresenceRepositoryRedis) GetPresences(ctx context.Context, userIDs []string) (map[string]*entity.UserPresence, error) {
	result := make(map[string]*entity.UserPresence, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	pipe := r.client.Pipeline()
	online := make(map[string]*redis.MapStringStringCmd, len(userIDs))
	seen := make(map[string]*redis.StringCmd, len(userIDs))
	for _, uid := range userIDs {
		online[uid] = pipe.HGetAll(ctx, presenceKey(uid))
		seen[uid] = pipe.Get(ctx, lastSeenKey(uid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for _, uid := range userIDs {
		p := &entity.UserPresence{UserID: uid}
		if fields, err := online[uid].Result(); err == nil && len(fields) > 0 {
			p.Online = true
			p.NodeID = fields["node_id"]
			p.SessionCount, _ = strconv.Atoi(fields["session_count"])
			if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
				p.UpdatedAt = time.Unix(ts, 0)
			}
		}
		if ts, err := seen[uid].Int64(); err == nil {
			p.LastSeenAt = time.Unix(ts, 0)
		}
		result[uid] = p
	}
	return result, nil
}
