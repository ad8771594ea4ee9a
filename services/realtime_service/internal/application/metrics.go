package application

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
)

const metricNamespace = "pulse"

// Metrics 实时服务的 Prometheus 指标
// 计数器由各组件直接累加，会话数和在线人数在抓取时从注册表读取
type Metrics struct {
	routed        *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	transmitFails prometheus.Counter
	reaped        prometheus.Counter
	mirrorDropped prometheus.Counter
	sessions      prometheus.GaugeFunc
	onlineUsers   prometheus.GaugeFunc
}

// NewMetrics builds the collectors. reg may be nil in tests, in which case
// nothing is registered.
func NewMetrics(reg prometheus.Registerer, registry *presence.Registry) *Metrics {
	m := &Metrics{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "envelopes_routed_total",
			Help:      "Envelopes fanned out to at least one session.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes whose target had no live session.",
		}, []string{"kind"}),
		transmitFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "transmit_failures_total",
			Help:      "Per-session transmissions rejected by the transport.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "sessions_reaped_total",
			Help:      "Sessions closed by the liveness monitor.",
		}),
		mirrorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "presence_mirror_dropped_total",
			Help:      "Presence updates discarded because the mirror queue was full.",
		}),
	}
	m.sessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "sessions",
		Help:      "Open sessions, bound or not.",
	}, func() float64 { return float64(registry.Stats().Sessions) })
	m.onlineUsers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "online_users",
		Help:      "Users with at least one bound session.",
	}, func() float64 { return float64(registry.Stats().OnlineUsers) })

	if reg != nil {
		reg.MustRegister(m.routed, m.dropped, m.transmitFails, m.reaped, m.mirrorDropped, m.sessions, m.onlineUsers)
	}
	return m
}
