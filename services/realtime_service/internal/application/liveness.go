package application

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/pulse/pkg/zlog"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

// LivenessConfig 心跳参数
type LivenessConfig struct {
	Interval        time.Duration // 心跳周期
	GraceMultiplier float64       // 超过 Interval*GraceMultiplier 未收到心跳即视为断开
	SweepInterval   time.Duration // 扫描周期，默认等于 Interval
}

// Grace is the dead-connection window.
func (c LivenessConfig) Grace() time.Duration {
	return time.Duration(float64(c.Interval) * c.GraceMultiplier)
}

// LivenessMonitor 定期扫描注册表，清理心跳超时的会话并强制关闭其连接
type LivenessMonitor struct {
	registry *presence.Registry
	sessions *SessionService
	closer   out.SessionCloser
	cfg      LivenessConfig
	now      func() time.Time
	metrics  *Metrics
	reaped   atomic.Int64
}

func NewLivenessMonitor(registry *presence.Registry, sessions *SessionService, closer out.SessionCloser, cfg LivenessConfig, metrics *Metrics) *LivenessMonitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Interval
	}
	return &LivenessMonitor{
		registry: registry,
		sessions: sessions,
		closer:   closer,
		cfg:      cfg,
		now:      time.Now,
		metrics:  metrics,
	}
}

// WithClock replaces the clock used to compute the cutoff.
func (m *LivenessMonitor) WithClock(now func() time.Time) *LivenessMonitor {
	m.now = now
	return m
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	zap.L().Info("liveness monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("grace", m.cfg.Grace()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep unbinds and closes every session silent for longer than the grace
// window and returns their ids.
func (m *LivenessMonitor) Sweep(ctx context.Context) []string {
	cutoff := m.now().Add(-m.cfg.Grace())
	expired := m.registry.Expired(cutoff)

	for _, sid := range expired {
		sess, _ := m.registry.Lookup(sid)
		m.sessions.Disconnect(ctx, sid)
		if m.closer != nil {
			if err := m.closer.CloseSession(sid); err != nil && !errors.Is(err, out.ErrConnectionClosed) {
				zap.L().Warn("close expired session", zlog.SessionID(sid), zap.Error(err))
			}
		}
		m.reaped.Add(1)
		if m.metrics != nil {
			m.metrics.reaped.Inc()
		}
		zap.L().Info("session reaped by liveness",
			zlog.SessionID(sid),
			zlog.UserID(sess.UserID),
			zap.Time("last_heartbeat_at", sess.LastHeartbeatAt))
	}
	return expired
}

// Reaped returns how many sessions the monitor has closed.
func (m *LivenessMonitor) Reaped() int64 {
	return m.reaped.Load()
}
