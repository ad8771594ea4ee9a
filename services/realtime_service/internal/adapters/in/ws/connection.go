package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/pulse/pkg/zlog"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

// Options 连接参数
type Options struct {
	WriteWait       time.Duration // 写超时
	PingPeriod      time.Duration // Ping 周期，即心跳间隔
	ReadTimeout     time.Duration // 读超时，即断线宽限期
	ReadLimit       int64         // 最大消息大小
	SendBuffer      int           // 每个连接的发送队列长度
	ReadBufferSize  int
	WriteBufferSize int
	AllowedOrigins  []string
}

// DefaultOptions mirrors the values the delivery gateway shipped with.
func DefaultOptions() Options {
	return Options{
		WriteWait:       10 * time.Second,
		PingPeriod:      30 * time.Second,
		ReadTimeout:     60 * time.Second,
		ReadLimit:       64 * 1024,
		SendBuffer:      256,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Connection 一条 WebSocket 连接
// 读协程把帧交给会话用例，写协程独占底层连接的写操作，发送队列保证顺序
type Connection struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	opts       Options
	sessions   in.SessionUseCase
	table      *ConnectionTable

	send chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newConnection(id string, conn *websocket.Conn, opts Options, sessions in.SessionUseCase, table *ConnectionTable) *Connection {
	c := &Connection{
		id:       id,
		conn:     conn,
		opts:     opts,
		sessions: sessions,
		table:    table,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
	}
	if conn != nil {
		c.remoteAddr = conn.RemoteAddr().String()
	}
	return c
}

func (c *Connection) ID() string { return c.id }

// Send 非阻塞入队
func (c *Connection) Send(message []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return out.ErrConnectionClosed
	}

	select {
	case c.send <- message:
		return nil
	default:
		return out.ErrSendBufferFull
	}
}

// markClosed flips the closed flag once and wakes the write pump.
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.done)
	return true
}

// Close sends a close frame and tears down the socket. Safe to call from
// any goroutine, any number of times.
func (c *Connection) Close() error {
	if !c.markClosed() {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait))
	return c.conn.Close()
}

func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ReadPump 读取消息，退出时注销会话
func (c *Connection) ReadPump(ctx context.Context) {
	defer c.cleanup(ctx)

	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		c.sessions.Heartbeat(ctx, c.id)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				zlog.C(ctx).Warn("websocket read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		c.sessions.HandleFrame(ctx, c.id, message)
	}
}

// WritePump 写入消息并定期发送 Ping
func (c *Connection) WritePump(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				zlog.C(ctx).Warn("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) cleanup(ctx context.Context) {
	c.table.Remove(c.id)
	c.sessions.Disconnect(ctx, c.id)
	_ = c.Close()
	zlog.C(ctx).Debug("connection cleanup", zap.String("remote_addr", c.remoteAddr))
}
