package zlog

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// MustInitGlobal replaces the zap globals and returns a func that flushes
// and restores the previous ones.
func MustInitGlobal(cfg Config) func() {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	restore := zap.ReplaceGlobals(l)
	return func() {
		_ = l.Sync()
		restore()
	}
}

// WatchSignals 运维信号
//   - SIGHUP  在 debug 和 info 之间切换
//   - SIGUSR1 轮转日志文件
func WatchSignals(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(c)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-c:
				handleSignal(sig)
			}
		}
	}()
}

func handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		if GetLevel() == "debug" {
			SetLevel("info")
		} else {
			SetLevel("debug")
		}
		zap.L().Info("log level toggled", zap.String("now", GetLevel()))
	case syscall.SIGUSR1:
		if err := Rotate(); err != nil {
			zap.L().Warn("log rotate failed", zap.Error(err))
			return
		}
		zap.L().Info("log file rotated")
	}
}
