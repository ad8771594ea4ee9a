package ws

import (
	"sync"

	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

// ConnectionTable sessionID -> 连接
// 只负责传输层的查找，用户与会话的对应关系在注册表里
type ConnectionTable struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

var (
	_ out.Transmitter   = (*ConnectionTable)(nil)
	_ out.SessionCloser = (*ConnectionTable)(nil)
)

func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{conns: make(map[string]*Connection)}
}

func (t *ConnectionTable) Add(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c.id] = c
}

func (t *ConnectionTable) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, sessionID)
}

func (t *ConnectionTable) Get(sessionID string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[sessionID]
	return c, ok
}

// Transmit 把帧放进会话的发送队列
func (t *ConnectionTable) Transmit(sessionID string, frame []byte) error {
	c, ok := t.Get(sessionID)
	if !ok {
		return out.ErrConnectionClosed
	}
	return c.Send(frame)
}

// CloseSession 强制关闭连接，读协程随后完成注销
func (t *ConnectionTable) CloseSession(sessionID string) error {
	c, ok := t.Get(sessionID)
	if !ok {
		return out.ErrConnectionClosed
	}
	return c.Close()
}

// CloseAll 关闭所有连接，用于优雅退出
func (t *ConnectionTable) CloseAll() {
	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (t *ConnectionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
