package zlog

import (
	"context"

	"go.uber.org/zap"
)

type Field = zap.Field

// 统一字段名，方便日志检索

func SessionID(id string) Field { return zap.String("session_id", id) }

func UserID(id string) Field { return zap.String("user_id", id) }

func Event(name string) Field { return zap.String("event", name) }

func Kind(kind string) Field { return zap.String("kind", kind) }

type loggerKey struct{}

// WithContext 把请求级或连接级 logger 放进 ctx
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext falls back to the global logger when ctx carries none.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.L()
}

func C(ctx context.Context) *zap.Logger { return FromContext(ctx) }

// SessionContext is the root context of one connection. It is detached from
// the upgrade request, which ends as soon as the handler returns.
func SessionContext(sessionID string) context.Context {
	return WithContext(context.Background(), zap.L().With(SessionID(sessionID)))
}
