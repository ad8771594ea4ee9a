package rtclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundQueueDrainStopsOnFailure(t *testing.T) {
	var q outboundQueue
	for _, id := range []string{"a", "b", "c"} {
		q.Push(outboundItem{id: id, frame: []byte(id)})
	}

	var written []string
	calls := 0
	n, err := q.Drain(func(b []byte) error {
		calls++
		if calls == 2 {
			return errors.New("broken pipe")
		}
		written = append(written, string(b))
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.Len())

	n, err = q.Drain(func(b []byte) error {
		written = append(written, string(b))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b", "c"}, written)
	assert.Zero(t, q.Len())

	_, ok := q.Peek()
	assert.False(t, ok)
	assert.NotPanics(t, q.Pop)
}

func TestDedupSetEvictsOldest(t *testing.T) {
	d := newDedupSet(2)
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.False(t, d.Seen("c")) // evicts a
	assert.Equal(t, 2, d.Len())
	assert.False(t, d.Seen("a")) // evicts b
	assert.True(t, d.Seen("c"))

	assert.False(t, d.Seen(""))
	assert.False(t, d.Seen(""))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "url is required")

	cfg.URL = "ws://localhost:8084/ws"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 62500*time.Millisecond, cfg.Grace())

	bad := cfg
	bad.GraceMultiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Backoff.MaxDelay = bad.Backoff.Base / 2
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Backoff.Jitter = 1
	assert.Error(t, bad.Validate())
}
