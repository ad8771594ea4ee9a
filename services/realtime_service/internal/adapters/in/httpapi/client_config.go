package httpapi

import (
	"time"

	"github.com/EthanQC/pulse/pkg/rtclient"
)

// ClientSettings 下发给浏览器/移动端的心跳与重连参数，和服务端心跳保持一致
type ClientSettings struct {
	PingIntervalMs  int64           `json:"pingIntervalMs"`
	GraceMultiplier float64         `json:"graceMultiplier"`
	Backoff         BackoffSettings `json:"backoff"`
}

type BackoffSettings struct {
	BaseMs           int64   `json:"baseMs"`
	Multiplier       float64 `json:"multiplier"`
	MaxDelayMs       int64   `json:"maxDelayMs"`
	MaxAttempts      int     `json:"maxAttempts"`
	FallbackPeriodMs int64   `json:"fallbackPeriodMs"`
	Jitter           float64 `json:"jitter"`
}

func NewClientSettings(pingInterval time.Duration, graceMultiplier float64, b rtclient.BackoffConfig) *ClientSettings {
	return &ClientSettings{
		PingIntervalMs:  pingInterval.Milliseconds(),
		GraceMultiplier: graceMultiplier,
		Backoff: BackoffSettings{
			BaseMs:           b.Base.Milliseconds(),
			Multiplier:       b.Multiplier,
			MaxDelayMs:       b.MaxDelay.Milliseconds(),
			MaxAttempts:      b.MaxAttempts,
			FallbackPeriodMs: b.FallbackPeriod.Milliseconds(),
			Jitter:           b.Jitter,
		},
	}
}
