package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openRedisQueue skips unless REDIS_ADDR points at a reachable server, so the
// suite stays green on machines without one.
func openRedisQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	q, err := NewRedisQueue(ctx, addr, RedisQueueOptions{
		Prefix:     fmt.Sprintf("mbq-test-%d", time.Now().UnixNano()),
		Visibility: visibility,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisEnqueueLeaseAckCycle(t *testing.T) {
	ctx := context.Background()
	q := openRedisQueue(t, time.Minute)

	env := newTestEnvelope(t)
	require.NoError(t, q.Enqueue(ctx, env))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	leased, token, err := q.Lease(ctx, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, leased.MessageID)
	assert.Equal(t, env.ClientID, leased.ClientID)

	// Leased envelopes are invisible to other consumers.
	_, _, err = q.Lease(ctx, 300*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Ack(ctx, token))
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	assert.ErrorIs(t, q.Ack(ctx, token), ErrUnknownLease)
}

func TestRedisReleasePersistsAttemptCount(t *testing.T) {
	ctx := context.Background()
	q := openRedisQueue(t, time.Minute)

	require.NoError(t, q.Enqueue(ctx, newTestEnvelope(t)))

	env, token, err := q.Lease(ctx, 3*time.Second)
	require.NoError(t, err)
	env.RecordAttempt(time.Now().UTC())
	require.NoError(t, q.Release(ctx, token, 0))

	again, token, err := q.Lease(ctx, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint(1), again.AttemptCount)
	require.NoError(t, q.Ack(ctx, token))
}

func TestRedisLeaseExpiryReclaims(t *testing.T) {
	ctx := context.Background()
	q := openRedisQueue(t, 500*time.Millisecond)

	env := newTestEnvelope(t)
	require.NoError(t, q.Enqueue(ctx, env))

	_, staleToken, err := q.Lease(ctx, 3*time.Second)
	require.NoError(t, err)

	// No ack: the envelope comes back after the visibility window.
	again, token, err := q.Lease(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, again.MessageID)

	assert.ErrorIs(t, q.Ack(ctx, staleToken), ErrUnknownLease)
	require.NoError(t, q.Ack(ctx, token))
}

func TestRedisFIFOAcrossReleases(t *testing.T) {
	ctx := context.Background()
	q := openRedisQueue(t, time.Minute)

	var want []string
	for i := 0; i < 3; i++ {
		env := newTestEnvelope(t)
		require.NoError(t, q.Enqueue(ctx, env))
		want = append(want, env.MessageID)
	}

	var got []string
	for range want {
		env, token, err := q.Lease(ctx, 3*time.Second)
		require.NoError(t, err)
		got = append(got, env.MessageID)
		require.NoError(t, q.Ack(ctx, token))
	}
	assert.Equal(t, want, got)
}
