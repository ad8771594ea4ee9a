package zlog

import (
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
	"go.uber.org/zap/zapcore"
)

// 当前的轮转文件，Rotate 和 SIGUSR1 用
var (
	fileMu  sync.Mutex
	logFile *lumberjack.Logger
)

// buildWriteSyncer assembles stdout and the rotating file. Validate ensures
// at least one of them is configured.
func buildWriteSyncer(cfg Config) zapcore.WriteSyncer {
	var syncers []zapcore.WriteSyncer

	if cfg.Stdout {
		syncers = append(syncers, zapcore.Lock(zapcore.AddSync(os.Stdout)))
	}
	if p := cfg.File.Path; p != "" {
		f := &lumberjack.Logger{
			Filename:   p,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDay,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
			LocalTime:  true,
		}
		fileMu.Lock()
		logFile = f
		fileMu.Unlock()
		syncers = append(syncers, zapcore.AddSync(f))
	}
	return zapcore.NewMultiWriteSyncer(syncers...)
}

// Rotate 切出新文件，长连接节点不重启也能配合 logrotate
// 没有文件输出时什么也不做
func Rotate() error {
	fileMu.Lock()
	f := logFile
	fileMu.Unlock()
	if f == nil {
		return nil
	}
	return f.Rotate()
}
