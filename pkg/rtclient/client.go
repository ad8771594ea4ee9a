// Package rtclient is the client side of a realtime connection: it keeps a
// session alive across transport failures, replays sends queued while
// offline and drops duplicate deliveries.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EthanQC/pulse/pkg/protocol"
)

var (
	ErrClosed         = errors.New("rtclient: client closed")
	ErrNotReady       = errors.New("rtclient: not ready")
	ErrAlreadyRunning = errors.New("rtclient: already running")

	errLivenessTimeout = errors.New("rtclient: no frame received within grace window")
)

// Handlers 回调在会话 goroutine 中串行执行，不要在里面阻塞
type Handlers struct {
	OnStateChange  func(from, to State)
	OnMessage      func(protocol.ReceiveMessagePayload)
	OnNotification func(json.RawMessage)
	OnMessageSent  func(frameID string, p protocol.MessageSentPayload)
	OnFrame        func(*protocol.Frame) // 其他事件
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithHandlers(h Handlers) Option {
	return func(c *Client) { c.h = h }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client 断线重连客户端
// 同一时刻只有会话 goroutine 写连接，发送方只入队，所以 Send 永远不会阻塞
type Client struct {
	cfg    Config
	dialer Dialer
	log    *zap.Logger
	h      Handlers
	now    func() time.Time

	state    atomic.Int32
	running  atomic.Bool
	dials    atomic.Int64
	queue    outboundQueue
	seen     *dedupSet
	schedule *reconnectSchedule

	kick    chan struct{}
	control chan []byte

	mu        sync.Mutex
	sessionID string
	readyCh   chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// New validates cfg and builds a client. Nothing is dialed until Run.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UserID == "" {
		return nil, errors.New("rtclient: user_id is required")
	}
	c := &Client{
		cfg:      cfg,
		log:      zap.L(),
		now:      time.Now,
		seen:     newDedupSet(cfg.DedupSize),
		schedule: newReconnectSchedule(cfg.Backoff),
		kick:     make(chan struct{}, 1),
		control:  make(chan []byte, max(cfg.ControlBuffer, 1)),
		readyCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = NewWebSocketDialer(cfg.DialTimeout)
	}
	c.log = c.log.With(zap.String("user_id", cfg.UserID))
	return c, nil
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// SessionID is the id the server assigned in its last handshake ack.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// QueueLen is the number of sends not yet accepted by a transport.
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

// Dials counts successful dials.
func (c *Client) Dials() int64 {
	return c.dials.Load()
}

// WaitReady blocks until the client is ready or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ch := c.readyCh
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage queues a chat send and returns its frame id.
func (c *Client) SendMessage(recipientID string, message any) (string, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return c.Send(protocol.EventSendMessage, protocol.SendMessagePayload{
		RecipientID: recipientID,
		Message:     raw,
	})
}

// Send queues an arbitrary event. Frames go out in queue order once the
// client is ready; a frame is only dequeued after the transport accepts it.
func (c *Client) Send(event string, data any) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	f, err := protocol.NewFrame(event, data)
	if err != nil {
		return "", err
	}
	f.ID = uuid.NewString()
	raw, err := protocol.Encode(f)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", event, err)
	}
	c.queue.Push(outboundItem{id: f.ID, frame: raw})
	c.signal()
	return f.ID, nil
}

// Ping sends an application ping right away. Pings are not queued: a ping
// from before a reconnect measures nothing.
func (c *Client) Ping() error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	raw, err := c.pingFrame()
	if err != nil {
		return err
	}
	select {
	case c.control <- raw:
		return nil
	default:
		return ErrNotReady
	}
}

// Close stops Run. Queued sends are kept but never sent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run dials, serves and redials until ctx is done or Close is called.
// Transport failures are never returned.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer c.setState(StateDisconnected)

	for {
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return c.exitErr(ctx)
		}
		c.setState(StateDisconnected)

		delay := c.schedule.Next()
		c.log.Warn("connection lost, reconnecting",
			zap.Error(err),
			zap.Int("attempt", c.schedule.Attempts()),
			zap.Duration("delay", delay),
			zap.Int("queued", c.queue.Len()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.exitErr(ctx)
		case <-timer.C:
		}
	}
}

func (c *Client) exitErr(ctx context.Context) error {
	if c.isClosed() {
		return nil
	}
	return ctx.Err()
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	conn, err := c.dialer.Dial(dialCtx, c.cfg.URL)
	if err != nil {
		return err
	}
	c.dials.Add(1)
	defer conn.Close()

	c.setState(StateConnected)
	return c.serve(ctx, conn)
}

// serve runs one connection from handshake to failure.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	frames := make(chan *protocol.Frame)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go c.readLoop(conn, frames, readErr, stop)

	lastRecv := c.now()

	if err := c.authenticate(conn); err != nil {
		return err
	}
	c.setState(StateAuthenticating)

	var ackTimeout <-chan time.Time
	if c.cfg.HandshakeTimeout > 0 {
		t := time.NewTimer(c.cfg.HandshakeTimeout)
		defer t.Stop()
		ackTimeout = t.C
	} else if err := c.becomeReady(conn); err != nil {
		return err
	}

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case f := <-frames:
			lastRecv = c.now()
			if f.Event == protocol.EventAuthenticated && c.State() == StateAuthenticating {
				c.acknowledge(f)
				if err := c.becomeReady(conn); err != nil {
					return err
				}
				continue
			}
			c.dispatch(f)

		case <-ackTimeout:
			if c.State() == StateAuthenticating {
				c.log.Debug("no handshake ack, assuming ready")
				if err := c.becomeReady(conn); err != nil {
					return err
				}
			}

		case <-c.kick:
			if c.State() == StateReady {
				if err := c.drain(conn); err != nil {
					return err
				}
			}

		case raw := <-c.control:
			if c.State() == StateReady {
				if err := conn.WriteMessage(raw); err != nil {
					return fmt.Errorf("write control: %w", err)
				}
			}

		case <-ping.C:
			if c.now().Sub(lastRecv) > c.cfg.Grace() {
				return errLivenessTimeout
			}
			raw, err := c.pingFrame()
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(raw); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(conn Conn, frames chan<- *protocol.Frame, readErr chan<- error, stop <-chan struct{}) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("discard undecodable frame", zap.Error(err))
			continue
		}
		select {
		case frames <- f:
		case <-stop:
			return
		}
	}
}

func (c *Client) authenticate(conn Conn) error {
	f, err := protocol.NewFrame(protocol.EventAuthenticate, protocol.AuthenticatePayload{UserID: c.cfg.UserID})
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(raw); err != nil {
		return fmt.Errorf("write authenticate: %w", err)
	}
	return nil
}

func (c *Client) acknowledge(f *protocol.Frame) {
	var ack protocol.AuthenticatedPayload
	if err := f.Bind(&ack); err != nil {
		c.log.Debug("malformed handshake ack", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.mu.Unlock()
}

func (c *Client) becomeReady(conn Conn) error {
	c.setState(StateReady)
	c.schedule.Reset()
	return c.drain(conn)
}

func (c *Client) drain(conn Conn) error {
	n, err := c.queue.Drain(conn.WriteMessage)
	if n > 0 {
		c.log.Debug("flushed outbound queue", zap.Int("sent", n), zap.Int("left", c.queue.Len()))
	}
	if err != nil {
		return fmt.Errorf("flush outbound queue: %w", err)
	}
	return nil
}

func (c *Client) dispatch(f *protocol.Frame) {
	switch f.Event {
	case protocol.EventReceiveMessage:
		var p protocol.ReceiveMessagePayload
		if err := f.Bind(&p); err != nil {
			c.log.Debug("malformed frame", zap.String("event", f.Event), zap.Error(err))
			return
		}
		if id := protocol.ExtractID(p.Message); id != "" && c.seen.Seen("m:"+id) {
			return
		}
		if c.h.OnMessage != nil {
			c.h.OnMessage(p)
		}

	case protocol.EventReceiveNotification:
		if id := protocol.ExtractID(f.Data); id != "" && c.seen.Seen("n:"+id) {
			return
		}
		if c.h.OnNotification != nil {
			c.h.OnNotification(f.Data)
		}

	case protocol.EventMessageSent:
		var p protocol.MessageSentPayload
		if err := f.Bind(&p); err != nil {
			c.log.Debug("malformed frame", zap.String("event", f.Event), zap.Error(err))
			return
		}
		if c.h.OnMessageSent != nil {
			c.h.OnMessageSent(f.ID, p)
		}

	case protocol.EventPong:

	default:
		if c.h.OnFrame != nil {
			c.h.OnFrame(f)
		}
	}
}

func (c *Client) pingFrame() ([]byte, error) {
	f, err := protocol.NewFrame(protocol.EventPing, protocol.PingPayload{Timestamp: c.now().UnixMilli()})
	if err != nil {
		return nil, err
	}
	return protocol.Encode(f)
}

func (c *Client) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}

	c.mu.Lock()
	switch {
	case to == StateReady:
		close(c.readyCh)
	case from == StateReady:
		c.readyCh = make(chan struct{})
	}
	c.mu.Unlock()

	c.log.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to))
	if c.h.OnStateChange != nil {
		c.h.OnStateChange(from, to)
	}
}
