package ws

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/pulse/pkg/protocol"
	"github.com/EthanQC/pulse/pkg/zlog"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/in"
)

// Server WebSocket 接入
type Server struct {
	table    *ConnectionTable
	sessions in.SessionUseCase
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(table *ConnectionTable, sessions in.SessionUseCase, opts Options) *Server {
	s := &Server{table: table, sessions: sessions, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(allowed, u.Host) || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleConnection 升级连接并启动读写协程
// 可选的 ?user_id= 等价于连接后立即发送 authenticate
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.C(r.Context()).Warn("websocket upgrade error", zap.Error(err))
		return
	}

	id := uuid.NewString()
	ctx := zlog.SessionContext(id)

	c := newConnection(id, conn, s.opts, s.sessions, s.table)
	s.table.Add(c)
	s.sessions.Connect(ctx, id, conn.RemoteAddr().String())

	// URL 里的认证必须在读协程启动前完成：之后的入站帧都能看到已绑定的会话，
	// 断开清理也一定排在绑定之后
	if userID := strings.TrimSpace(r.URL.Query().Get("user_id")); userID != "" {
		f, err := protocol.NewFrame(protocol.EventAuthenticate, protocol.AuthenticatePayload{UserID: userID})
		if err == nil {
			if raw, err := protocol.Encode(f); err == nil {
				s.sessions.HandleFrame(ctx, id, raw)
			}
		}
	}

	go c.WritePump(ctx)
	go c.ReadPump(ctx)
}

// Connections 当前连接数
func (s *Server) Connections() int {
	return s.table.Len()
}
