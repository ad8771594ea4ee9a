package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

// Topics 协作方在落库后发布的事件主题
type Topics struct {
	MessageCreated      string
	NotificationCreated string
}

// messageCreatedEvent 聊天消息已持久化
type messageCreatedEvent struct {
	Message         entity.ChatMessage `json:"message"`
	OriginSessionID string             `json:"origin_session_id,omitempty"`
}

// KafkaConsumer 消费协作方事件并交给路由器
// 事件只做实时推送，解析失败或校验失败的消息记录日志后提交位点
type KafkaConsumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler *consumerGroupHandler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ out.MessageConsumer = (*KafkaConsumer)(nil)

// NewKafkaConsumer 创建消费组
func NewKafkaConsumer(brokers []string, groupID string, topics Topics, delivery in.DeliveryUseCase) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return newKafkaConsumer(group, topics, delivery), nil
}

func newKafkaConsumer(group sarama.ConsumerGroup, topics Topics, delivery in.DeliveryUseCase) *KafkaConsumer {
	return &KafkaConsumer{
		group:   group,
		topics:  []string{topics.MessageCreated, topics.NotificationCreated},
		handler: &consumerGroupHandler{topics: topics, delivery: delivery},
	}
}

// Start 启动消费循环，不等待分区分配完成
func (c *KafkaConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				zap.L().Warn("kafka consume error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.group.Errors():
				if !ok {
					return
				}
				zap.L().Warn("kafka consumer group error", zap.Error(err))
			}
		}
	}()

	zap.L().Info("kafka consumer started", zap.Strings("topics", c.topics))
	return nil
}

// Stop 停止消费
func (c *KafkaConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.group.Close()
	c.wg.Wait()
	return err
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	topics   Topics
	delivery in.DeliveryUseCase
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handleMessage(session.Context(), message); err != nil {
				zap.L().Warn("skip kafka message",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	switch message.Topic {
	case h.topics.MessageCreated:
		var ev messageCreatedEvent
		if err := json.Unmarshal(message.Value, &ev); err != nil {
			return fmt.Errorf("decode message event: %w", err)
		}
		_, err := h.delivery.DeliverChatMessage(ctx, &ev.Message, ev.OriginSessionID)
		return err

	case h.topics.NotificationCreated:
		var n entity.Notification
		if err := json.Unmarshal(message.Value, &n); err != nil {
			return fmt.Errorf("decode notification event: %w", err)
		}
		_, err := h.delivery.DeliverNotification(ctx, &n)
		return err

	default:
		return fmt.Errorf("unknown topic %s", message.Topic)
	}
}
