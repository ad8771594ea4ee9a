package rtclient

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectSchedule 在 ExponentialBackOff 之上加了尝试次数上限和固定兜底周期
type reconnectSchedule struct {
	expo        *backoff.ExponentialBackOff
	maxAttempts int
	fallback    time.Duration
	attempts    int
}

func newReconnectSchedule(cfg BackoffConfig) *reconnectSchedule {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.Base
	expo.Multiplier = cfg.Multiplier
	expo.MaxInterval = cfg.MaxDelay
	expo.RandomizationFactor = cfg.Jitter
	expo.MaxElapsedTime = 0 // never stop
	expo.Reset()

	return &reconnectSchedule{
		expo:        expo,
		maxAttempts: cfg.MaxAttempts,
		fallback:    cfg.FallbackPeriod,
	}
}

// Next returns the delay before the next dial attempt.
func (s *reconnectSchedule) Next() time.Duration {
	s.attempts++
	if s.maxAttempts > 0 && s.attempts > s.maxAttempts {
		return s.fallback
	}
	return s.expo.NextBackOff()
}

// Reset is called once a connection reaches ready.
func (s *reconnectSchedule) Reset() {
	s.attempts = 0
	s.expo.Reset()
}

func (s *reconnectSchedule) Attempts() int {
	return s.attempts
}
