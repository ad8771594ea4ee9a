package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/pulse/pkg/protocol"
	"github.com/EthanQC/pulse/services/realtime_service/internal/application"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
	"github.com/EthanQC/pulse/services/realtime_service/internal/ports/out"
)

type stack struct {
	srv      *httptest.Server
	registry *presence.Registry
	table    *ConnectionTable
}

func newStack(t *testing.T) *stack {
	t.Helper()
	reg := presence.NewRegistry()
	table := NewConnectionTable()
	router := application.NewRouter(reg, table, nil)
	sessions := application.NewSessionService(reg, router, table)

	opts := DefaultOptions()
	opts.PingPeriod = time.Second
	server := NewServer(table, sessions, opts)

	srv := httptest.NewServer(http.HandlerFunc(server.HandleConnection))
	t.Cleanup(func() {
		table.CloseAll()
		srv.Close()
	})
	return &stack{srv: srv, registry: reg, table: table}
}

func (s *stack) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	f, err := protocol.NewFrame(event, data)
	require.NoError(t, err)
	b, err := protocol.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

// readEvent reads frames until one with the given event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, b, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		f, err := protocol.Decode(b)
		require.NoError(t, err)
		if f.Event == event {
			return f
		}
	}
}

func TestChatOverWebSocket(t *testing.T) {
	s := newStack(t)
	a := s.dial(t, "")
	b := s.dial(t, "")

	write(t, a, protocol.EventAuthenticate, "A")
	readEvent(t, a, protocol.EventAuthenticated)
	write(t, b, protocol.EventAuthenticate, protocol.AuthenticatePayload{UserID: "B"})
	readEvent(t, b, protocol.EventAuthenticated)

	write(t, a, protocol.EventSendMessage, protocol.SendMessagePayload{
		RecipientID: "B",
		Message:     json.RawMessage(`{"id":"m1","text":"hi"}`),
	})

	var got protocol.ReceiveMessagePayload
	require.NoError(t, readEvent(t, b, protocol.EventReceiveMessage).Bind(&got))
	assert.JSONEq(t, `{"id":"m1","text":"hi"}`, string(got.Message))

	var ack protocol.MessageSentPayload
	require.NoError(t, readEvent(t, a, protocol.EventMessageSent).Bind(&ack))
	assert.True(t, ack.Success)
}

func TestQueryParamAuthenticates(t *testing.T) {
	s := newStack(t)
	c := s.dial(t, "?user_id=carol")

	var ack protocol.AuthenticatedPayload
	require.NoError(t, readEvent(t, c, protocol.EventAuthenticated).Bind(&ack))
	assert.Equal(t, "carol", ack.UserID)
	assert.NotEmpty(t, ack.SessionID)
	assert.True(t, s.registry.IsOnline("carol"))
}

func TestPingPong(t *testing.T) {
	s := newStack(t)
	c := s.dial(t, "")

	write(t, c, protocol.EventPing, protocol.PingPayload{Timestamp: 99})
	var p protocol.PingPayload
	require.NoError(t, readEvent(t, c, protocol.EventPong).Bind(&p))
	assert.Equal(t, int64(99), p.Timestamp)
}

func TestClientDisconnectUnbinds(t *testing.T) {
	s := newStack(t)
	c := s.dial(t, "?user_id=dave")
	readEvent(t, c, protocol.EventAuthenticated)
	require.True(t, s.registry.IsOnline("dave"))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return !s.registry.IsOnline("dave") && s.table.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCloseSessionClosesSocket(t *testing.T) {
	s := newStack(t)
	c := s.dial(t, "?user_id=erin")
	ack := readEvent(t, c, protocol.EventAuthenticated)

	var p protocol.AuthenticatedPayload
	require.NoError(t, ack.Bind(&p))
	require.NoError(t, s.table.CloseSession(p.SessionID))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return !s.registry.IsOnline("erin") }, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.table.Transmit(p.SessionID, []byte("{}")), out.ErrConnectionClosed)
}

func TestSendIsNonBlocking(t *testing.T) {
	c := newConnection("s1", nil, Options{SendBuffer: 1}, nil, NewConnectionTable())

	require.NoError(t, c.Send([]byte("one")))
	assert.ErrorIs(t, c.Send([]byte("two")), out.ErrSendBufferFull)

	require.True(t, c.markClosed())
	assert.False(t, c.markClosed())
	assert.ErrorIs(t, c.Send([]byte("three")), out.ErrConnectionClosed)
	assert.True(t, c.IsClosed())
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(NewConnectionTable(), nil, Options{AllowedOrigins: []string{"app.example.com"}})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, s.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, s.checkOrigin(r))
}

// 带 ?user_id= 的连接，第一帧就能以已认证身份处理
func TestQueryParamAuthPrecedesFirstFrame(t *testing.T) {
	s := newStack(t)
	c := s.dial(t, "?user_id=frank")

	write(t, c, protocol.EventSendMessage, protocol.SendMessagePayload{
		RecipientID: "grace",
		Message:     json.RawMessage(`{"id":"m-early"}`),
	})

	var ack protocol.MessageSentPayload
	require.NoError(t, readEvent(t, c, protocol.EventMessageSent).Bind(&ack))
	assert.True(t, ack.Success)
}
