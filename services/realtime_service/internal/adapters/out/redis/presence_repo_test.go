package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
)

func newRepo(t *testing.T) (*PresenceRepositoryRedis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewPresenceRepositoryRedis(client, time.Minute, time.Hour), mr
}

func TestApplyOnlineThenOffline(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	require.NoError(t, repo.Apply(ctx, entity.PresenceEvent{
		UserID: "alice", Status: entity.PresenceStatusOnline, SessionCount: 1, NodeID: "n1", Timestamp: now,
	}))
	assert.Equal(t, "n1", mr.HGet("im:presence:alice", "node_id"))
	assert.Equal(t, time.Minute, mr.TTL("im:presence:alice"))

	got, err := repo.GetPresences(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.True(t, got["alice"].Online)
	assert.Equal(t, 1, got["alice"].SessionCount)

	later := now.Add(time.Hour)
	require.NoError(t, repo.Apply(ctx, entity.PresenceEvent{
		UserID: "alice", Status: entity.PresenceStatusOffline, NodeID: "n1", Timestamp: later,
	}))
	assert.False(t, mr.Exists("im:presence:alice"))

	got, err = repo.GetPresences(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.False(t, got["alice"].Online)
	assert.Equal(t, later.Unix(), got["alice"].LastSeenAt.Unix())
}

func TestOfflineFromOtherNodeKeepsEntry(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Apply(ctx, entity.PresenceEvent{UserID: "bob", Status: entity.PresenceStatusOnline, NodeID: "n2", Timestamp: time.Now()}))
	require.NoError(t, repo.Apply(ctx, entity.PresenceEvent{UserID: "bob", Status: entity.PresenceStatusOffline, NodeID: "n1", Timestamp: time.Now()}))

	assert.True(t, mr.Exists("im:presence:bob"))
	assert.True(t, mr.Exists("im:lastseen:bob"))
}

func TestRefreshExtendsTTL(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Apply(ctx, entity.PresenceEvent{UserID: "carol", Status: entity.PresenceStatusOnline, NodeID: "n1", Timestamp: time.Now()}))
	mr.FastForward(50 * time.Second)
	require.NoError(t, repo.Refresh(ctx, "carol"))
	mr.FastForward(50 * time.Second)
	assert.True(t, mr.Exists("im:presence:carol"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("im:presence:carol"))

	require.NoError(t, repo.Refresh(ctx, "nobody"))
	assert.False(t, mr.Exists("im:presence:nobody"))
}

func TestGetPresencesUnknownUsers(t *testing.T) {
	repo, _ := newRepo(t)

	got, err := repo.GetPresences(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got["x"].Online)
	assert.True(t, got["x"].LastSeenAt.IsZero())

	empty, err := repo.GetPresences(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOfflineDoesNotRemoveConcurrentOnlineFromOtherNode(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		uid := fmt.Sprintf("u%d", i)
		require.NoError(t, repo.Apply(ctx, entity.PresenceEvent{UserID: uid, Status: entity.PresenceStatusOnline, NodeID: "n1", Timestamp: time.Now()}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.Apply(ctx, entity.PresenceEvent{UserID: uid, Status: entity.PresenceStatusOnline, NodeID: "n2", Timestamp: time.Now()}))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.Apply(ctx, entity.PresenceEvent{UserID: uid, Status: entity.PresenceStatusOffline, NodeID: "n1", Timestamp: time.Now()}))
		}()
		wg.Wait()

		// n2 上线无论先后都必须保留
		require.True(t, mr.Exists("im:presence:"+uid), "user %s", uid)
		assert.Equal(t, "n2", mr.HGet("im:presence:"+uid, "node_id"))
	}
}

func TestOfflineWithoutEntryRecordsLastSeen(t *testing.T) {
	repo, mr := newRepo(t)
	ts := time.Unix(1700000000, 0)

	require.NoError(t, repo.Apply(context.Background(), entity.PresenceEvent{UserID: "dan", Status: entity.PresenceStatusOffline, NodeID: "n1", Timestamp: ts}))
	assert.False(t, mr.Exists("im:presence:dan"))
	v, err := mr.Get("im:lastseen:dan")
	require.NoError(t, err)
	assert.Equal(t, "1700000000", v)
}
