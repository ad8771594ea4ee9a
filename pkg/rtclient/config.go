package rtclient

import (
	"errors"
	"time"
)

// BackoffConfig 重连退避
// 前 MaxAttempts 次按指数增长（封顶 MaxDelay），之后固定每 FallbackPeriod 重试一次，永不放弃
type BackoffConfig struct {
	Base           time.Duration `mapstructure:"base"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	FallbackPeriod time.Duration `mapstructure:"fallback_period"`
	Jitter         float64       `mapstructure:"jitter"`
}

// Config 客户端配置
type Config struct {
	URL    string `mapstructure:"url"`
	UserID string `mapstructure:"user_id"`

	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"` // 等待 authenticated 的上限，超时直接进入 ready
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	GraceMultiplier  float64       `mapstructure:"grace_multiplier"`
	DedupSize        int           `mapstructure:"dedup_size"`
	ControlBuffer    int           `mapstructure:"control_buffer"`

	Backoff BackoffConfig `mapstructure:"backoff"`
}

// DefaultConfig 默认配置，与服务端心跳参数保持一致
func DefaultConfig() Config {
	return Config{
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     25 * time.Second,
		GraceMultiplier:  2.5,
		DedupSize:        1024,
		ControlBuffer:    16,
		Backoff: BackoffConfig{
			Base:           500 * time.Millisecond,
			Multiplier:     2,
			MaxDelay:       30 * time.Second,
			MaxAttempts:    10,
			FallbackPeriod: 60 * time.Second,
			Jitter:         0.2,
		},
	}
}

// Grace 超过该时长没有收到任何帧视为连接已死
func (c Config) Grace() time.Duration {
	return time.Duration(float64(c.PingInterval) * c.GraceMultiplier)
}

func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("rtclient: url is required")
	case c.PingInterval <= 0:
		return errors.New("rtclient: ping_interval must be positive")
	case c.GraceMultiplier < 1:
		return errors.New("rtclient: grace_multiplier must be >= 1")
	case c.DedupSize <= 0:
		return errors.New("rtclient: dedup_size must be positive")
	}
	return c.Backoff.Validate()
}

func (b BackoffConfig) Validate() error {
	switch {
	case b.Base <= 0:
		return errors.New("rtclient: backoff.base must be positive")
	case b.Multiplier < 1:
		return errors.New("rtclient: backoff.multiplier must be >= 1")
	case b.MaxDelay < b.Base:
		return errors.New("rtclient: backoff.max_delay must be >= base")
	case b.MaxAttempts < 0:
		return errors.New("rtclient: backoff.max_attempts must not be negative")
	case b.FallbackPeriod <= 0:
		return errors.New("rtclient: backoff.fallback_period must be positive")
	case b.Jitter < 0 || b.Jitter >= 1:
		return errors.New("rtclient: backoff.jitter must be in [0,1)")
	}
	return nil
}
