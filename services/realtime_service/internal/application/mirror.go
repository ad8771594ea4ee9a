package application

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

const (
	defaultMirrorBuffer    = 1024
	defaultRefreshInterval = 25 * time.Second
)

// PresenceMirror 把上下线事件异步写入外部存储
// 上下线事件走独立的有界队列，单个消费协程按发生顺序落库，队列满时丢弃并计数；
// TTL 刷新不占队列：按用户合并，每个刷新周期最多一次，且总在积压的事件之后执行。
// 注册表始终是在线状态的权威来源。
type PresenceMirror struct {
	repo    out.PresenceRepository
	nodeID  string
	events  chan entity.PresenceEvent
	now     func() time.Time
	metrics *Metrics
	dropped atomic.Int64

	refreshEvery time.Duration
	wake         chan struct{}
	mu           sync.Mutex
	pending      map[string]struct{}  // 等待刷新的用户
	refreshed    map[string]time.Time // 最近一次排入刷新的时间，只记在线用户
}

// MirrorOption 可选参数
type MirrorOption func(*PresenceMirror)

// WithRefreshInterval sets the minimum gap between two TTL refreshes of the
// same user. Usually the heartbeat interval.
func WithRefreshInterval(d time.Duration) MirrorOption {
	return func(m *PresenceMirror) { m.refreshEvery = d }
}

func WithMirrorClock(now func() time.Time) MirrorOption {
	return func(m *PresenceMirror) { m.now = now }
}

func NewPresenceMirror(repo out.PresenceRepository, nodeID string, buffer int, metrics *Metrics, opts ...MirrorOption) *PresenceMirror {
	if buffer <= 0 {
		buffer = defaultMirrorBuffer
	}
	m := &PresenceMirror{
		repo:         repo,
		nodeID:       nodeID,
		events:       make(chan entity.PresenceEvent, buffer),
		now:          time.Now,
		metrics:      metrics,
		refreshEvery: defaultRefreshInterval,
		wake:         make(chan struct{}, 1),
		pending:      make(map[string]struct{}),
		refreshed:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish queues a transition. Never blocks.
func (m *PresenceMirror) Publish(t presence.Transition) {
	status := entity.PresenceStatusOnline
	if t.WentOffline {
		status = entity.PresenceStatusOffline
	}
	now := m.now()

	m.mu.Lock()
	if t.WentOffline {
		delete(m.pending, t.UserID)
		delete(m.refreshed, t.UserID)
	} else {
		// 上线写入本身带 TTL
		m.refreshed[t.UserID] = now
	}
	m.mu.Unlock()

	ev := entity.PresenceEvent{
		UserID:       t.UserID,
		Status:       status,
		SessionCount: t.SessionCount,
		NodeID:       m.nodeID,
		Timestamp:    now,
	}
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
		if m.metrics != nil {
			m.metrics.mirrorDropped.Inc()
		}
	}
}

// Refresh asks for the TTL of an online user's entry to be extended.
// Repeated calls within the refresh interval collapse into one.
func (m *PresenceMirror) Refresh(userID string) {
	now := m.now()

	m.mu.Lock()
	if _, queued := m.pending[userID]; queued {
		m.mu.Unlock()
		return
	}
	if last, ok := m.refreshed[userID]; ok && now.Sub(last) < m.refreshEvery {
		m.mu.Unlock()
		return
	}
	m.pending[userID] = struct{}{}
	m.refreshed[userID] = now
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of users waiting for a TTL refresh.
func (m *PresenceMirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Run 消费队列直到 ctx 取消
func (m *PresenceMirror) Run(ctx context.Context) {
	for {
		// 事件优先
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.applyEvent(ctx, ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.applyEvent(ctx, ev)
		case <-m.wake:
			m.flushRefreshes(ctx)
		}
	}
}

// Drain applies the events still queued and returns how many it handled.
// Used on shutdown after Run has returned, so the offline events of the
// sessions closed last still reach the store. Pending refreshes are
// discarded.
func (m *PresenceMirror) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case ev := <-m.events:
			m.applyEvent(ctx, ev)
			n++
		default:
			return n
		}
	}
}

func (m *PresenceMirror) flushRefreshes(ctx context.Context) {
	m.mu.Lock()
	users := make([]string, 0, len(m.pending))
	for uid := range m.pending {
		users = append(users, uid)
	}
	m.pending = make(map[string]struct{})
	m.mu.Unlock()

	for _, uid := range users {
		if ctx.Err() != nil {
			return
		}
		// 刷新期间到达的上下线事件先处理
		for drained := false; !drained; {
			select {
			case ev := <-m.events:
				m.applyEvent(ctx, ev)
			default:
				drained = true
			}
		}
		m.applyRefresh(ctx, uid)
	}
}

// opContext 正在写的一条不受 Run 退出影响
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
}

func (m *PresenceMirror) applyEvent(ctx context.Context, ev entity.PresenceEvent) {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	if err := m.repo.Apply(opCtx, ev); err != nil {
		zap.L().Warn("mirror presence event",
			zap.String("user_id", ev.UserID),
			zap.String("status", string(ev.Status)),
			zap.Error(err))
	}
}

func (m *PresenceMirror) applyRefresh(ctx context.Context, userID string) {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	if err := m.repo.Refresh(opCtx, userID); err != nil {
		zap.L().Debug("refresh presence", zap.String("user_id", userID), zap.Error(err))
	}
}
