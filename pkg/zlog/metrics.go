package zlog

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

var logEntries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "log",
		Name:      "entries_total",
		Help:      "Log entries written, by service and level.",
	},
	[]string{"service", "level"},
)

// RegisterMetrics is safe to call more than once on the same registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	if err := reg.Register(logEntries); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
	}
}

// metricsCore 只统计真正会写出的条目
type metricsCore struct {
	zapcore.Core
	service string
}

func (m metricsCore) With(fields []zapcore.Field) zapcore.Core {
	return metricsCore{Core: m.Core.With(fields), service: m.service}
}

func (m metricsCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !m.Enabled(ent.Level) {
		return ce
	}
	logEntries.WithLabelValues(m.service, ent.Level.String()).Inc()
	return m.Core.Check(ent, ce)
}
