package out

import "errors"

var (
	// ErrConnectionClosed 连接已关闭或不存在
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull 发送缓冲区已满，慢连接不会阻塞路由
	ErrSendBufferFull = errors.New("send buffer full")
)

// Transmitter hands an encoded frame to one session's write task. It must
// not block on the network.
type Transmitter interface {
	Transmit(sessionID string, frame []byte) error
}

// SessionCloser forcibly closes a session's transport.
type SessionCloser interface {
	CloseSession(sessionID string) error
}
