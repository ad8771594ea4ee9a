package rtclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/pulse/pkg/protocol"
)

func newTestClient(t *testing.T, d *fakeDialer, h Handlers) *Client {
	t.Helper()
	c, err := New(testConfig(), WithDialer(d), WithHandlers(h))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func sentIDs(c *fakeConn) []string {
	var ids []string
	for _, f := range c.events(protocol.EventSendMessage) {
		ids = append(ids, f.ID)
	}
	return ids
}

func TestQueuedSendsFlushInOrderOnReady(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	c := newTestClient(t, d, Handlers{})
	startClient(t, c)

	require.Eventually(t, func() bool { return c.State() == StateConnecting }, time.Second, time.Millisecond)

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		id, err := c.SendMessage("bob", map[string]string{"text": text})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 3, c.QueueLen())
	assert.NotEqual(t, StateReady, c.State())

	close(d.gate)
	waitReady(t, c)

	require.Eventually(t, func() bool { return c.QueueLen() == 0 }, time.Second, time.Millisecond)
	conn := d.conn(0)
	frames := conn.frames()
	require.Len(t, frames, 4)
	assert.Equal(t, protocol.EventAuthenticate, frames[0].Event)
	assert.Equal(t, ids, sentIDs(conn))

	var p protocol.SendMessagePayload
	require.NoError(t, frames[1].Bind(&p))
	assert.Equal(t, "bob", p.RecipientID)
	assert.JSONEq(t, `{"text":"one"}`, string(p.Message))
	assert.Equal(t, "sess-1", c.SessionID())
}

func TestFailedWriteStaysQueued(t *testing.T) {
	var failID string
	var mu sync.Mutex
	d := &fakeDialer{gate: make(chan struct{})}
	d.prepare = func(i int, conn *fakeConn) {
		if i == 0 {
			conn.failOn = func(f *protocol.Frame) bool {
				mu.Lock()
				defer mu.Unlock()
				return f.ID == failID
			}
		}
	}
	c := newTestClient(t, d, Handlers{})
	startClient(t, c)

	id1, _ := c.SendMessage("bob", "one")
	id2, _ := c.SendMessage("bob", "two")
	id3, _ := c.SendMessage("bob", "three")
	mu.Lock()
	failID = id2
	mu.Unlock()
	close(d.gate)

	require.Eventually(t, func() bool { return d.count() == 2 && c.QueueLen() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{id1}, sentIDs(d.conn(0)))
	assert.Equal(t, []string{id2, id3}, sentIDs(d.conn(1)))
}

func TestSendWhileReadyGoesOutImmediately(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Handlers{})
	startClient(t, c)
	waitReady(t, c)

	id, err := c.Send(protocol.EventSendMessage, protocol.SendMessagePayload{RecipientID: "bob", Message: json.RawMessage(`"hi"`)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sentIDs(d.conn(0))) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{id}, sentIDs(d.conn(0)))
}

func TestDuplicateDeliveriesRenderedOnce(t *testing.T) {
	var mu sync.Mutex
	var messages []string
	var notifications int
	d := &fakeDialer{}
	c := newTestClient(t, d, Handlers{
		OnMessage: func(p protocol.ReceiveMessagePayload) {
			mu.Lock()
			messages = append(messages, protocol.ExtractID(p.Message))
			mu.Unlock()
		},
		OnNotification: func(json.RawMessage) {
			mu.Lock()
			notifications++
			mu.Unlock()
		},
	})
	startClient(t, c)
	waitReady(t, c)

	conn := d.conn(0)
	msg := func(id string) protocol.ReceiveMessagePayload {
		return protocol.ReceiveMessagePayload{Message: json.RawMessage(`{"id":"` + id + `","text":"hi"}`), ConversationID: "c1"}
	}
	conn.push(protocol.EventReceiveMessage, msg("m1"))
	conn.push(protocol.EventReceiveMessage, msg("m1"))
	conn.push(protocol.EventReceiveMessage, msg("m2"))
	conn.push(protocol.EventReceiveNotification, json.RawMessage(`{"id":"m1","type":"like"}`))
	conn.push(protocol.EventReceiveNotification, json.RawMessage(`{"id":"m1","type":"like"}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 2 && notifications == 1
	}, time.Second, time.Millisecond)

	// a redelivery after reconnect is still suppressed
	conn.Close()
	waitForDials(t, d, 2)
	waitReady(t, c)
	d.conn(1).push(protocol.EventReceiveMessage, msg("m2"))
	d.conn(1).push(protocol.EventReceiveMessage, msg("m3"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 3
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"m1", "m2", "m3"}, messages)
	mu.Unlock()
}

func waitForDials(t *testing.T, d *fakeDialer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return d.count() >= n }, 2*time.Second, time.Millisecond)
}

func TestStateTransitionsAcrossReconnect(t *testing.T) {
	rec := &stateRecorder{}
	d := &fakeDialer{fail: 2}
	c := newTestClient(t, d, Handlers{OnStateChange: rec.record})
	startClient(t, c)
	waitReady(t, c)

	d.conn(0).Close()
	waitForDials(t, d, 2)
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 13 }, 2*time.Second, time.Millisecond)

	want := []State{
		StateConnecting, StateDisconnected, // refused
		StateConnecting, StateDisconnected, // refused
		StateConnecting, StateConnected, StateAuthenticating, StateReady,
		StateDisconnected,
		StateConnecting, StateConnected, StateAuthenticating, StateReady,
	}
	assert.Equal(t, want, rec.snapshot()[:len(want)])
}

func TestReadyWithoutHandshakeAck(t *testing.T) {
	d := &fakeDialer{prepare: func(_ int, conn *fakeConn) { conn.noAck = true }}
	cfg := testConfig()
	cfg.HandshakeTimeout = 20 * time.Millisecond
	c, err := New(cfg, WithDialer(d))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.SendMessage("bob", "queued")
	require.NoError(t, err)
	startClient(t, c)

	waitReady(t, c)
	require.Eventually(t, func() bool { return c.QueueLen() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, c.SessionID())
}

func TestSilentServerTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.GraceMultiplier = 2
	c, err := New(cfg, WithDialer(d))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	startClient(t, c)

	waitForDials(t, d, 2)
	assert.NotEmpty(t, d.conn(0).events(protocol.EventPing), "client pings before giving up")
}

func TestPingRequiresReady(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, Handlers{})
	assert.ErrorIs(t, c.Ping(), ErrNotReady)

	startClient(t, c)
	waitReady(t, c)
	require.NoError(t, c.Ping())
	require.Eventually(t, func() bool { return len(d.conn(0).events(protocol.EventPing)) == 1 }, time.Second, time.Millisecond)
}

func TestMessageSentCallback(t *testing.T) {
	got := make(chan string, 1)
	d := &fakeDialer{}
	c := newTestClient(t, d, Handlers{
		OnMessageSent: func(id string, p protocol.MessageSentPayload) {
			if p.Success {
				got <- id
			}
		},
	})
	startClient(t, c)
	waitReady(t, c)

	f, err := protocol.NewFrame(protocol.EventMessageSent, protocol.MessageSentPayload{Success: true})
	require.NoError(t, err)
	f.ID = "frame-7"
	b, _ := protocol.Encode(f)
	d.conn(0).in <- b

	select {
	case id := <-got:
		assert.Equal(t, "frame-7", id)
	case <-time.After(time.Second):
		t.Fatal("no messageSent callback")
	}
}

func TestCloseStopsRun(t *testing.T) {
	d := &fakeDialer{}
	c, err := New(testConfig(), WithDialer(d))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	waitReady(t, c)
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyRunning)

	c.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateDisconnected, c.State())

	_, err = c.SendMessage("bob", "late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.UserID = ""
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Backoff.Multiplier = 0.5
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown", State(42).String())
}
