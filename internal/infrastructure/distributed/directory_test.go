package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"leakrelay/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Runs against a real server; set LEAKRELAY_TEST_REDIS=host:port to enable.
func newTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("LEAKRELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("LEAKRELAY_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func newTestDirectory(t *testing.T, client redis.UniversalClient, instance string) *PeerDirectory {
	d := NewPeerDirectory(client, instance, zap.NewNop().Sugar())
	d.prefix = "leakrelay-test:" + uuid.NewString() + ":"
	return d
}

func TestPeerDirectory_RegisterAndHolder(t *testing.T) {
	client := newTestClient(t)
	d := newTestDirectory(t, client, "relay-a")
	ctx := context.Background()

	_, ok, err := d.Holder(ctx, "peer-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Register(ctx, "peer-1"))
	instance, ok, err := d.Holder(ctx, "peer-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "relay-a", instance)

	require.NoError(t, d.Unregister(ctx, "peer-1"))
	_, ok, err = d.Holder(ctx, "peer-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeerDirectory_UnregisterKeepsOtherInstanceClaim(t *testing.T) {
	client := newTestClient(t)
	a := newTestDirectory(t, client, "relay-a")
	b := NewPeerDirectory(client, "relay-b", zap.NewNop().Sugar())
	b.prefix = a.prefix
	ctx := context.Background()

	require.NoError(t, a.Register(ctx, "peer-1"))
	require.NoError(t, b.Register(ctx, "peer-1"))
	require.NoError(t, a.Unregister(ctx, "peer-1"))

	instance, ok, err := a.Holder(ctx, "peer-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "relay-b", instance)
	require.NoError(t, b.Unregister(ctx, "peer-1"))
}

func TestPeerDirectory_RefreshExtendsTTL(t *testing.T) {
	client := newTestClient(t)
	d := newTestDirectory(t, client, "relay-a")
	d.ttl = time.Second
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, "peer-1"))
	d.ttl = time.Minute
	require.NoError(t, d.Refresh(ctx, []domain.PeerID{"peer-1"}))

	ttl, err := client.TTL(ctx, d.key("peer-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)
	require.NoError(t, d.Unregister(ctx, "peer-1"))
}

func TestPeerDirectory_RefreshEmptyIsNoop(t *testing.T) {
	d := NewPeerDirectory(nil, "relay-a", zap.NewNop().Sugar())
	assert.NoError(t, d.Refresh(context.Background(), nil))
}
