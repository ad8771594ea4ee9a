package rtclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EthanQC/pulse/pkg/protocol"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	noAck  bool
	failOn func(*protocol.Frame) bool

	mu      sync.Mutex
	written []*protocol.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if c.failOn != nil && c.failOn(f) {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()

	if f.Event == protocol.EventAuthenticate && !c.noAck {
		c.push(protocol.EventAuthenticated, protocol.AuthenticatedPayload{UserID: "alice", SessionID: "sess-1"})
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(event string, data any) {
	f, err := protocol.NewFrame(event, data)
	if err != nil {
		panic(err)
	}
	b, _ := protocol.Encode(f)
	c.in <- b
}

func (c *fakeConn) frames() []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Frame(nil), c.written...)
}

func (c *fakeConn) events(event string) []*protocol.Frame {
	var out []*protocol.Frame
	for _, f := range c.frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    int
	gate    chan struct{}
	conns   []*fakeConn
	prepare func(i int, c *fakeConn)
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if d.prepare != nil {
		d.prepare(len(d.conns), c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://pulse.test/ws"
	cfg.UserID = "alice"
	cfg.PingInterval = time.Hour
	cfg.HandshakeTimeout = time.Second
	cfg.Backoff = BackoffConfig{
		Base:           time.Millisecond,
		Multiplier:     2,
		MaxDelay:       5 * time.Millisecond,
		MaxAttempts:    3,
		FallbackPeriod: 10 * time.Millisecond,
	}
	return cfg
}

// startClient runs c until the test ends.
func startClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("client did not stop")
		}
	})
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_, to State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func waitReady(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
}
