package rtclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/pulse/pkg/protocol"
)

// ackServer acknowledges authenticate and confirms every sendMessage.
func ackServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			in, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			var out *protocol.Frame
			switch in.Event {
			case protocol.EventAuthenticate:
				out, _ = protocol.NewFrame(protocol.EventAuthenticated, protocol.AuthenticatedPayload{UserID: "alice", SessionID: "ws-1"})
			case protocol.EventSendMessage:
				out, _ = protocol.NewFrame(protocol.EventMessageSent, protocol.MessageSentPayload{Success: true})
				out.ID = in.ID
			default:
				continue
			}
			b, _ := protocol.Encode(out)
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketDialerRoundTrip(t *testing.T) {
	srv := ackServer(t)
	t.Cleanup(srv.Close)

	acks := make(chan string, 1)
	cfg := testConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := New(cfg, WithHandlers(Handlers{
		OnMessageSent: func(id string, _ protocol.MessageSentPayload) { acks <- id },
	}))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	startClient(t, c)

	id, err := c.SendMessage("bob", map[string]string{"text": "hi"})
	require.NoError(t, err)
	waitReady(t, c)
	assert.Equal(t, "ws-1", c.SessionID())

	select {
	case got := <-acks:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no messageSent")
	}
}
