package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/pulse/pkg/protocol"
	"github.com/EthanQC/pulse/pkg/zlog"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

// SessionService 处理连接生命周期、握手和客户端事件
type SessionService struct {
	registry  *presence.Registry
	router    *Router
	tx        out.Transmitter
	directory out.ConversationDirectory
	mirror    *PresenceMirror
	now       func() time.Time
}

var _ in.SessionUseCase = (*SessionService)(nil)

// SessionOption 可选依赖
type SessionOption func(*SessionService)

// WithDirectory enables recipient resolution from message.conversationId.
func WithDirectory(d out.ConversationDirectory) SessionOption {
	return func(s *SessionService) { s.directory = d }
}

// WithPresenceMirror 上下线事件同步到外部存储
func WithPresenceMirror(m *PresenceMirror) SessionOption {
	return func(s *SessionService) { s.mirror = m }
}

func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionService) { s.now = now }
}

func NewSessionService(registry *presence.Registry, router *Router, tx out.Transmitter, opts ...SessionOption) *SessionService {
	s := &SessionService{
		registry: registry,
		router:   router,
		tx:       tx,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionService) Connect(ctx context.Context, sessionID, remoteAddr string) {
	s.registry.Open(sessionID, remoteAddr)
	zlog.C(ctx).Debug("session opened", zlog.SessionID(sessionID), zap.String("remote_addr", remoteAddr))
}

// HandleFrame dispatches one inbound frame. Any inbound frame counts as a
// heartbeat.
func (s *SessionService) HandleFrame(ctx context.Context, sessionID string, raw []byte) {
	s.Heartbeat(ctx, sessionID)

	f, err := protocol.Decode(raw)
	if err != nil {
		s.replyError(ctx, sessionID, "", "invalid message format")
		return
	}

	switch f.Event {
	case protocol.EventAuthenticate:
		s.handleAuthenticate(ctx, sessionID, f)
	case protocol.EventPing:
		s.handlePing(ctx, sessionID, f)
	case protocol.EventSendMessage:
		s.handleSendMessage(ctx, sessionID, f)
	default:
		s.replyError(ctx, sessionID, f.ID, "unknown event")
	}
}

func (s *SessionService) Authenticate(ctx context.Context, sessionID, userID string) (entity.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return entity.Session{}, in.ErrEmptyUserID
	}

	bound, released, err := s.registry.Bind(sessionID, userID)
	if err != nil {
		// 连接已经断开，握手来晚了
		return entity.Session{}, in.ErrSessionClosed
	}
	s.publish(released)
	s.publish(bound)

	sess, _ := s.registry.Lookup(sessionID)
	zlog.C(ctx).Info("session authenticated",
		zlog.SessionID(sessionID),
		zlog.UserID(userID),
		zap.Int("session_count", bound.SessionCount))
	return sess, nil
}

func (s *SessionService) SendMessage(ctx context.Context, sessionID string, p protocol.SendMessagePayload) (protocol.MessageSentPayload, error) {
	sess, ok := s.registry.Lookup(sessionID)
	if !ok || !sess.Bound() {
		return protocol.MessageSentPayload{}, in.ErrUnauthenticated
	}
	if len(p.Message) == 0 || string(p.Message) == "null" {
		return protocol.MessageSentPayload{Success: false, Error: "message is required"}, nil
	}

	recipients, err := s.resolveRecipients(ctx, sess.UserID, p)
	if err != nil {
		zlog.C(ctx).Info("sendMessage without resolvable recipient",
			zlog.SessionID(sessionID), zlog.UserID(sess.UserID), zap.Error(err))
		return protocol.MessageSentPayload{Success: false, Error: out.ErrRecipientUnresolved.Error()}, nil
	}

	cid := protocol.ConversationOf(p.Message)
	for _, recipient := range recipients {
		env := &entity.Envelope{
			TargetUserID:    recipient,
			Kind:            entity.KindChatMessage,
			Payload:         p.Message,
			ConversationID:  cid,
			OriginSessionID: sessionID,
		}
		// 投递失败只记录日志，消息已由 HTTP 链路持久化
		if _, err := s.router.Route(ctx, env); err != nil {
			zlog.C(ctx).Warn("route chat message", zlog.UserID(recipient), zap.Error(err))
		}
	}

	return protocol.MessageSentPayload{Success: true, Data: p.Message}, nil
}

func (s *SessionService) Heartbeat(ctx context.Context, sessionID string) {
	if !s.registry.Touch(sessionID) {
		return
	}
	if s.mirror == nil {
		return
	}
	if sess, ok := s.registry.Lookup(sessionID); ok && sess.Bound() {
		s.mirror.Refresh(sess.UserID)
	}
}

func (s *SessionService) Disconnect(ctx context.Context, sessionID string) {
	t := s.registry.Close(sessionID)
	s.publish(t)
	if t.UserID != "" {
		zlog.C(ctx).Info("session closed",
			zlog.SessionID(sessionID),
			zlog.UserID(t.UserID),
			zap.Bool("went_offline", t.WentOffline))
	}
}

func (s *SessionService) handleAuthenticate(ctx context.Context, sessionID string, f *protocol.Frame) {
	userID, err := protocol.ParseAuthenticate(f.Data)
	if err != nil {
		s.replyError(ctx, sessionID, f.ID, err.Error())
		return
	}
	if _, err := s.Authenticate(ctx, sessionID, userID); err != nil {
		s.replyError(ctx, sessionID, f.ID, err.Error())
		return
	}
	s.reply(ctx, sessionID, f.ID, protocol.EventAuthenticated, protocol.AuthenticatedPayload{
		UserID:    userID,
		SessionID: sessionID,
	})
}

// ping 总是回复 pong，未认证的连接也一样
func (s *SessionService) handlePing(ctx context.Context, sessionID string, f *protocol.Frame) {
	var p protocol.PingPayload
	if len(f.Data) > 0 {
		if err := f.Bind(&p); err != nil {
			s.replyError(ctx, sessionID, f.ID, "invalid ping payload")
			return
		}
	} else {
		p.Timestamp = s.now().UnixMilli()
	}
	s.reply(ctx, sessionID, f.ID, protocol.EventPong, p)
}

func (s *SessionService) handleSendMessage(ctx context.Context, sessionID string, f *protocol.Frame) {
	var p protocol.SendMessagePayload
	if err := f.Bind(&p); err != nil {
		s.replyError(ctx, sessionID, f.ID, "invalid sendMessage payload")
		return
	}

	ack, err := s.SendMessage(ctx, sessionID, p)
	if errors.Is(err, in.ErrUnauthenticated) {
		zlog.C(ctx).Debug("sendMessage on unauthenticated session ignored", zlog.SessionID(sessionID))
		return
	}
	s.reply(ctx, sessionID, f.ID, protocol.EventMessageSent, ack)
}

func (s *SessionService) resolveRecipients(ctx context.Context, senderID string, p protocol.SendMessagePayload) ([]string, error) {
	if r := strings.TrimSpace(p.RecipientID); r != "" {
		return []string{r}, nil
	}

	cid := protocol.ConversationOf(p.Message)
	if cid == "" || s.directory == nil {
		return nil, out.ErrRecipientUnresolved
	}
	others, err := s.directory.OtherParticipants(ctx, cid, senderID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", cid, err)
	}
	if len(others) == 0 {
		return nil, out.ErrRecipientUnresolved
	}
	return others, nil
}

func (s *SessionService) publish(t presence.Transition) {
	if s.mirror == nil || !t.Changed() {
		return
	}
	s.mirror.Publish(t)
}

func (s *SessionService) reply(ctx context.Context, sessionID, id, event string, data any) {
	f, err := protocol.NewFrame(event, data)
	if err != nil {
		zlog.C(ctx).Error("build reply", zlog.Event(event), zap.Error(err))
		return
	}
	f.ID = id
	b, err := protocol.Encode(f)
	if err != nil {
		zlog.C(ctx).Error("encode reply", zlog.Event(event), zap.Error(err))
		return
	}
	if err := s.tx.Transmit(sessionID, b); err != nil {
		zlog.C(ctx).Warn("reply dropped", zlog.SessionID(sessionID), zlog.Event(event), zap.Error(err))
	}
}

func (s *SessionService) replyError(ctx context.Context, sessionID, id, msg string) {
	s.reply(ctx, sessionID, id, protocol.EventError, protocol.ErrorPayload{Error: msg})
}
