package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EthanQC/pulse/pkg/protocol"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/presence"
)

type fakeTransmitter struct {
	mu     sync.Mutex
	frames map[string][][]byte
	fail   map[string]error
}

func newFakeTransmitter() *fakeTransmitter {
	return &fakeTransmitter{frames: make(map[string][][]byte), fail: make(map[string]error)}
}

func (f *fakeTransmitter) Transmit(sessionID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[sessionID]; err != nil {
		return err
	}
	f.frames[sessionID] = append(f.frames[sessionID], frame)
	return nil
}

func (f *fakeTransmitter) raw(sessionID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames[sessionID]...)
}

func (f *fakeTransmitter) decoded(t *testing.T, sessionID string) []*protocol.Frame {
	t.Helper()
	var out []*protocol.Frame
	for _, b := range f.raw(sessionID) {
		fr, err := protocol.Decode(b)
		require.NoError(t, err)
		out = append(out, fr)
	}
	return out
}

func (f *fakeTransmitter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fs := range f.frames {
		n += len(fs)
	}
	return n
}

func (f *fakeTransmitter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = make(map[string][][]byte)
}

type fakeCloser struct {
	mu     sync.Mutex
	closed []string
}

func (c *fakeCloser) CloseSession(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, sessionID)
	return nil
}

type fakeDirectory struct {
	members map[string][]string
	err     error
}

func (d *fakeDirectory) OtherParticipants(_ context.Context, conversationID, userID string) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	var others []string
	for _, m := range d.members[conversationID] {
		if m != userID {
			others = append(others, m)
		}
	}
	return others, nil
}

type fakePresenceRepo struct {
	mu        sync.Mutex
	events    []entity.PresenceEvent
	refreshed []string
	lastSeen  map[string]time.Time
}

func (r *fakePresenceRepo) Apply(_ context.Context, ev entity.PresenceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakePresenceRepo) Refresh(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, userID)
	return nil
}

func (r *fakePresenceRepo) GetPresences(_ context.Context, userIDs []string) (map[string]*entity.UserPresence, error) {
	out := make(map[string]*entity.UserPresence)
	for _, uid := range userIDs {
		if ts, ok := r.lastSeen[uid]; ok {
			out[uid] = &entity.UserPresence{UserID: uid, LastSeenAt: ts}
		}
	}
	return out, nil
}

func (r *fakePresenceRepo) snapshot() []entity.PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.PresenceEvent(nil), r.events...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires the application layer the way main does, minus the network.
type harness struct {
	clock    *clock
	registry *presence.Registry
	tx       *fakeTransmitter
	router   *Router
	sessions *SessionService
}

func newHarness(opts ...SessionOption) *harness {
	c := newClock()
	reg := presence.NewRegistryWithClock(c.Now)
	tx := newFakeTransmitter()
	router := NewRouter(reg, tx, NewMetrics(nil, reg))
	opts = append([]SessionOption{WithClock(c.Now)}, opts...)
	return &harness{
		clock:    c,
		registry: reg,
		tx:       tx,
		router:   router,
		sessions: NewSessionService(reg, router, tx, opts...),
	}
}

func (h *harness) send(t *testing.T, sessionID, event string, data any) {
	t.Helper()
	f, err := protocol.NewFrame(event, data)
	require.NoError(t, err)
	b, err := protocol.Encode(f)
	require.NoError(t, err)
	h.sessions.HandleFrame(context.Background(), sessionID, b)
}

func (h *harness) connectAs(t *testing.T, sessionID, userID string) {
	t.Helper()
	h.sessions.Connect(context.Background(), sessionID, "127.0.0.1:0")
	h.send(t, sessionID, protocol.EventAuthenticate, userID)
}

func lastFrame(t *testing.T, frames []*protocol.Frame) *protocol.Frame {
	t.Helper()
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

// bind opens and authenticates a session without going through frames.
func (h *harness) bind(sessionID, userID string) {
	h.registry.Open(sessionID, "")
	h.registry.Bind(sessionID, userID)
}
