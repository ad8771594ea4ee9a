package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/EthanQC/pulse/pkg/protocol"
	"github.com/EthanQC/pulse/pkg/zlog"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

// Router 投递路由器：查询注册表，把信封扇出到目标用户的每一个会话
//
// Transmit 只把帧放进会话自己的发送队列，真正的网络写由每个会话的写协程完成，
// 所以慢连接不会拖住路由，同一会话内的帧保持路由顺序。
type Router struct {
	registry *presence.Registry
	tx       out.Transmitter
	metrics  *Metrics

	routed  atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ in.DeliveryUseCase = (*Router)(nil)

func NewRouter(registry *presence.Registry, tx out.Transmitter, metrics *Metrics) *Router {
	return &Router{registry: registry, tx: tx, metrics: metrics}
}

// Route fans env out. A target without sessions is a silent drop; a session
// whose transport rejects the frame is recorded in the report and skipped.
func (r *Router) Route(ctx context.Context, env *entity.Envelope) (in.DeliveryReport, error) {
	if err := env.Validate(); err != nil {
		return in.DeliveryReport{}, fmt.Errorf("route: %w", err)
	}

	report := in.DeliveryReport{TargetUserID: env.TargetUserID}
	sessions := r.registry.SessionsFor(env.TargetUserID)
	report.Sessions = len(sessions)

	log := zlog.C(ctx).With(zlog.UserID(env.TargetUserID), zlog.Kind(string(env.Kind)))
	if len(sessions) == 0 {
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.dropped.WithLabelValues(string(env.Kind)).Inc()
		}
		log.Debug("target offline, envelope dropped")
		return report, nil
	}

	frame, err := encodeEnvelope(env)
	if err != nil {
		return report, fmt.Errorf("route: %w", err)
	}

	for _, sid := range sessions {
		if sid == env.OriginSessionID && env.Kind.SuppressesEcho() {
			report.Suppressed++
			continue
		}
		if err := r.tx.Transmit(sid, frame); err != nil {
			report.Failed = append(report.Failed, sid)
			r.failed.Add(1)
			if r.metrics != nil {
				r.metrics.transmitFails.Inc()
			}
			log.Warn("transmit failed", zlog.SessionID(sid), zap.Error(err))
			continue
		}
		report.Delivered++
	}

	r.routed.Add(1)
	if r.metrics != nil {
		r.metrics.routed.WithLabelValues(string(env.Kind)).Inc()
	}
	log.Debug("envelope routed",
		zap.Int("sessions", report.Sessions),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// DeliverChatMessage 推送一条已持久化的聊天消息
func (r *Router) DeliverChatMessage(ctx context.Context, msg *entity.ChatMessage, originSessionID string) (in.DeliveryReport, error) {
	if err := msg.Validate(); err != nil {
		return in.DeliveryReport{}, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return in.DeliveryReport{}, fmt.Errorf("marshal chat message: %w", err)
	}
	return r.Route(ctx, &entity.Envelope{
		TargetUserID:    msg.RecipientID,
		Kind:            entity.KindChatMessage,
		Payload:         payload,
		ConversationID:  msg.ConversationID,
		OriginSessionID: originSessionID,
	})
}

// DeliverNotification 推送通知
func (r *Router) DeliverNotification(ctx context.Context, n *entity.Notification) (in.DeliveryReport, error) {
	if err := n.Validate(); err != nil {
		return in.DeliveryReport{}, err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return in.DeliveryReport{}, fmt.Errorf("marshal notification: %w", err)
	}
	return r.Route(ctx, &entity.Envelope{
		TargetUserID: n.RecipientID,
		Kind:         entity.KindNotification,
		Payload:      payload,
	})
}

// counters returns routed, dropped, failed.
func (r *Router) counters() (int64, int64, int64) {
	return r.routed.Load(), r.dropped.Load(), r.failed.Load()
}

func encodeEnvelope(env *entity.Envelope) ([]byte, error) {
	var (
		f   *protocol.Frame
		err error
	)
	switch env.Kind {
	case entity.KindChatMessage:
		cid := env.ConversationID
		if cid == "" {
			cid = protocol.ConversationOf(env.Payload)
		}
		f, err = protocol.NewFrame(protocol.EventReceiveMessage, protocol.ReceiveMessagePayload{
			Message:        env.Payload,
			ConversationID: cid,
		})
	case entity.KindNotification:
		f, err = protocol.NewFrame(protocol.EventReceiveNotification, env.Payload)
	default:
		return nil, entity.ErrUnknownKind
	}
	if err != nil {
		return nil, err
	}
	return protocol.Encode(f)
}
