package out

import "context"

// MessageConsumer 消息队列消费者
type MessageConsumer interface {
	Start(ctx context.Context) error
	Stop() error
}
