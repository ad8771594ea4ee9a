// Package config loads the realtime service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/EthanQC/pulse/pkg/rtclient"
	"github.com/EthanQC/pulse/pkg/zlog"
)

// EnvPrefix 环境变量前缀，如 PULSE_HEARTBEAT_INTERVAL=15s
const EnvPrefix = "PULSE"

type ServerConfig struct {
	HTTPPort      int           `mapstructure:"http_port"`
	AdvertiseAddr string        `mapstructure:"advertise_addr"` // 节点标识，空则取主机名
	ShutdownWait  time.Duration `mapstructure:"shutdown_wait"`
}

// HeartbeatConfig 心跳与断线判定
type HeartbeatConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	GraceMultiplier float64       `mapstructure:"grace_multiplier"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// Grace 超过该时长没有心跳即视为断开
func (h HeartbeatConfig) Grace() time.Duration {
	return time.Duration(float64(h.Interval) * h.GraceMultiplier)
}

type WSConfig struct {
	WriteWait       time.Duration `mapstructure:"write_wait"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"` // 空表示不校验

	// 握手限流，<= 0 表示不限
	UpgradeQPS      float64 `mapstructure:"upgrade_qps"`
	UpgradePerIPQPS float64 `mapstructure:"upgrade_per_ip_qps"`
	UpgradeBurst    int     `mapstructure:"upgrade_burst"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // 空表示不启用在线状态镜像
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"` // 空表示不启用消费者
	GroupID           string   `mapstructure:"group_id"`
	MessageTopic      string   `mapstructure:"message_topic"`
	NotificationTopic string   `mapstructure:"notification_topic"`
}

type MySQLConfig struct {
	DSN          string `mapstructure:"dsn"` // 空表示不按会话解析接收方
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type PresenceConfig struct {
	MirrorBuffer int           `mapstructure:"mirror_buffer"`
	TTL          time.Duration `mapstructure:"ttl"`
	LastSeenTTL  time.Duration `mapstructure:"last_seen_ttl"`
}

// Config 实时服务配置
type Config struct {
	Env       string          `mapstructure:"-"`
	Server    ServerConfig    `mapstructure:"server"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	WS        WSConfig        `mapstructure:"ws"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Log       zlog.Config     `mapstructure:"-"`

	// ClientBackoff 通过 /client-config 下发给客户端
	ClientBackoff rtclient.BackoffConfig `mapstructure:"client_backoff"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8084)
	v.SetDefault("server.advertise_addr", "")
	v.SetDefault("server.shutdown_wait", "10s")

	v.SetDefault("heartbeat.interval", "25s")
	v.SetDefault("heartbeat.grace_multiplier", 2.5)
	v.SetDefault("heartbeat.sweep_interval", "5s")

	v.SetDefault("ws.write_wait", "10s")
	v.SetDefault("ws.read_limit", 64*1024)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.read_buffer_size", 4096)
	v.SetDefault("ws.write_buffer_size", 4096)
	v.SetDefault("ws.allowed_origins", []string{})
	v.SetDefault("ws.upgrade_qps", 500)
	v.SetDefault("ws.upgrade_per_ip_qps", 5)
	v.SetDefault("ws.upgrade_burst", 20)

	v.SetDefault("presence.mirror_buffer", 1024)
	v.SetDefault("presence.ttl", "3m")
	v.SetDefault("presence.last_seen_ttl", "168h")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.group_id", "realtime-service")
	v.SetDefault("kafka.message_topic", "social.message.created")
	v.SetDefault("kafka.notification_topic", "social.notification.created")

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("mysql.max_open_conns", 20)

	backoff := rtclient.DefaultConfig().Backoff
	v.SetDefault("client_backoff.base", backoff.Base)
	v.SetDefault("client_backoff.multiplier", backoff.Multiplier)
	v.SetDefault("client_backoff.max_delay", backoff.MaxDelay)
	v.SetDefault("client_backoff.max_attempts", backoff.MaxAttempts)
	v.SetDefault("client_backoff.fallback_period", backoff.FallbackPeriod)
	v.SetDefault("client_backoff.jitter", backoff.Jitter)

	v.SetDefault("log.service", "realtime-service")
}

// Load 读取 configs/config.<APP_ENV>.yaml，依次在 ./configs、../configs、
// ../../configs 中查找；找不到文件时只用默认值和环境变量
func Load() (*Config, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.Env = env
	return cfg, nil
}

// FromViper builds a validated Config from an already populated viper
// instance. Environment variables with the PULSE_ prefix take precedence.
func FromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	logCfg, err := zlog.FromViper(v, "log")
	if err != nil {
		return nil, err
	}
	cfg.Log = *logCfg

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch {
	case c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535:
		return fmt.Errorf("config: server.http_port out of range: %d", c.Server.HTTPPort)
	case c.Heartbeat.Interval <= 0:
		return errors.New("config: heartbeat.interval must be positive")
	case c.Heartbeat.GraceMultiplier < 1:
		return errors.New("config: heartbeat.grace_multiplier must be >= 1")
	case c.Heartbeat.SweepInterval <= 0:
		return errors.New("config: heartbeat.sweep_interval must be positive")
	case c.WS.WriteWait <= 0:
		return errors.New("config: ws.write_wait must be positive")
	case c.WS.SendBuffer <= 0:
		return errors.New("config: ws.send_buffer must be positive")
	case c.WS.ReadLimit <= 0:
		return errors.New("config: ws.read_limit must be positive")
	}
	if err := c.ClientBackoff.Validate(); err != nil {
		return fmt.Errorf("config: client_backoff: %w", err)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.GroupID == "" {
		return errors.New("config: kafka.group_id is required when brokers are set")
	}
	return nil
}

// NodeID 当前节点标识，写入在线状态镜像
func (c *Config) NodeID() string {
	if c.Server.AdvertiseAddr != "" {
		return c.Server.AdvertiseAddr
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, c.Server.HTTPPort)
}
