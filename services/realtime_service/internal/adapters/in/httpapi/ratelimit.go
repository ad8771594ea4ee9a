package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"go.uber.org/zap"
)

// RateLimitConfig 握手限流，QPS <= 0 表示该级不限
type RateLimitConfig struct {
	GlobalQPS float64
	PerIPQPS  float64
	Burst     int
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// UpgradeLimiter 限制 /ws 握手速率
// 节点重启后所有客户端会在同一个退避窗口内重连，先按 IP 再按全局放行
type UpgradeLimiter struct {
	cfg    RateLimitConfig
	global *rate.Limiter
	now    func() time.Time

	mu  sync.Mutex
	ips map[string]*ipLimiter
}

func NewUpgradeLimiter(cfg RateLimitConfig) *UpgradeLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	global := rate.NewLimiter(rate.Inf, cfg.Burst)
	if cfg.GlobalQPS > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalQPS), cfg.Burst)
	}
	return &UpgradeLimiter{
		cfg:    cfg,
		global: global,
		now:    time.Now,
		ips:    make(map[string]*ipLimiter),
	}
}

func (l *UpgradeLimiter) Allow(ip string) bool {
	now := l.now()
	if l.cfg.PerIPQPS > 0 && !l.forIP(ip, now).AllowN(now, 1) {
		return false
	}
	return l.global.AllowN(now, 1)
}

func (l *UpgradeLimiter) forIP(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.ips[ip]
	if !ok {
		e = &ipLimiter{lim: rate.NewLimiter(rate.Limit(l.cfg.PerIPQPS), l.cfg.Burst)}
		l.ips[ip] = e
	}
	e.lastSeen = now
	return e.lim
}

// Cleanup drops per-IP limiters idle for longer than maxIdle.
func (l *UpgradeLimiter) Cleanup(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for ip, e := range l.ips {
		if e.lastSeen.Before(cutoff) {
			delete(l.ips, ip)
			n++
		}
	}
	return n
}

// Run 定期清理，直到 ctx 取消
func (l *UpgradeLimiter) Run(ctx context.Context, every, maxIdle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(maxIdle); n > 0 {
				zap.L().Debug("upgrade limiter cleanup", zap.Int("removed", n))
			}
		}
	}
}

// Middleware Gin 中间件
func (l *UpgradeLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    http.StatusTooManyRequests,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
