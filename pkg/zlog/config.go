package zlog

import (
	"fmt"
	"strings"

	"github.com/spf13/viper" // 配置管理工具库
)

// FileConfig 本地轮转文件策略，tag 被 viper 用来匹配字段
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径，空表示不落盘
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个日志文件最大容量（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
}

// Config 日志配置
type Config struct {
	Service      string     `mapstructure:"service"`       // 归属服务名
	Level        string     `mapstructure:"level"`         // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"`      // json|console
	Development  bool       `mapstructure:"development"`   // 开发模式：彩色级别、堆栈更详细
	Stdout       bool       `mapstructure:"stdout"`        // 是否同时输出到控制台
	File         FileConfig `mapstructure:"file"`          // 文件相关配置
	EnableMetric bool       `mapstructure:"enable_metric"` // 是否上报 Prometheus 指标
}

// SetDefaults registers the logging defaults under prefix ("" for the root
// of v, "log" when logging lives in a service config).
func SetDefaults(v *viper.Viper, prefix string) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	v.SetDefault(key("service"), "unknown")
	v.SetDefault(key("level"), "info")
	v.SetDefault(key("encoding"), "json")
	v.SetDefault(key("stdout"), true)
	v.SetDefault(key("file.max_size"), 100)
	v.SetDefault(key("file.max_backups"), 60)
	v.SetDefault(key("file.max_age"), 7)
	v.SetDefault(key("enable_metric"), true)
}

// FromViper 从已加载的 viper 实例中读取 prefix 子树
func FromViper(v *viper.Viper, prefix string) (*Config, error) {
	SetDefaults(v, prefix)

	// 逐个叶子键取值，避免子树覆盖掉默认值
	sub := v
	if prefix != "" {
		sub = viper.New()
		for _, k := range v.AllKeys() {
			if rest, ok := strings.CutPrefix(k, prefix+"."); ok {
				sub.Set(rest, v.Get(k))
			}
		}
	}

	var cfg Config
	if err := sub.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("加载日志配置失败：%w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig 读取独立的日志配置文件，环境变量前缀 ZLOG
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetEnvPrefix("ZLOG")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取日志配置文件失败：%w", err)
	}
	return FromViper(v, "")
}

// Validate 严格校验，并给文件参数补默认值
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("配置错误：service 不能为空")
	}

	c.Level = strings.ToLower(c.Level)
	if _, ok := levels[c.Level]; !ok {
		return fmt.Errorf("配置错误：level 只能是 debug/info/warn/error，得到 %q", c.Level)
	}

	switch c.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("配置错误：encoding 只能是 json/console")
	}

	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("配置错误：stdout 为 false 时，file.path 不能为空")
	}

	if c.File.Path != "" {
		if c.File.MaxSizeMB <= 0 {
			c.File.MaxSizeMB = 100
		}
		if c.File.MaxBackups < 0 {
			c.File.MaxBackups = 60
		}
		if c.File.MaxAgeDay < 0 {
			c.File.MaxAgeDay = 7
		}
	}
	return nil
}
