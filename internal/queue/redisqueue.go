package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/alirezakavianifar/message-broker-sub002/internal/envelope"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
)

// RedisQueue is the shared-spool DurableQueue backend: the ready set is a
// sorted set scored by next-visible time, envelope bodies live in a hash, and
// in-flight leases live in a second sorted set scored by their visibility
// deadline. All ready/in-flight moves run as Lua scripts so concurrent
// consumers on different processes never double-lease.
type RedisQueue struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
	now        func() time.Time
	logger     *logging.Logger
	pollEvery  time.Duration

	// leases maps active tokens to the envelope handed to the consumer, so
	// Release persists the consumer's mutations (attempt counts, timestamps).
	// Process-local on purpose: a consumer that crashed never calls Release,
	// its lease is reclaimed by deadline inside the lease script.
	mu     sync.Mutex
	leases map[LeaseToken]*envelope.Envelope
}

// RedisQueueOptions configures a RedisQueue.
type RedisQueueOptions struct {
	// Prefix namespaces all keys; defaults to "mbq".
	Prefix     string
	Visibility time.Duration
	Now        func() time.Time
	Logger     *logging.Logger
}

// leaseScript atomically reclaims expired leases, then moves the earliest
// eligible member from ready to leased and records the holder's lease id.
// KEYS[1]=ready, KEYS[2]=leased, KEYS[3]=tokens, ARGV[1]=now(ms),
// ARGV[2]=lease deadline(ms), ARGV[3]=lease id. Returns the leased member or
// false.
var leaseScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[3], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ready == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ready[1])
redis.call('ZADD', KEYS[2], ARGV[2], ready[1])
redis.call('HSET', KEYS[3], ready[1], ARGV[3])
return ready[1]
`)

// ackScript removes a lease and its body only when the caller still holds it;
// a token whose lease expired and was re-leased elsewhere must not remove the
// new holder's lease. Returns 1 when the lease was ours. KEYS[1]=leased,
// KEYS[2]=bodies, KEYS[3]=tokens, ARGV[1]=id, ARGV[2]=lease id.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// releaseScript moves a still-held lease back to the ready set with a new
// next-visible score and stores the updated body, with the same holder check
// as ackScript. KEYS[1]=leased, KEYS[2]=ready, KEYS[3]=bodies, KEYS[4]=tokens,
// ARGV[1]=id, ARGV[2]=visible-at(ms), ARGV[3]=body, ARGV[4]=lease id.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[4] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// NewRedisQueue connects to addr and verifies the connection.
func NewRedisQueue(ctx context.Context, addr string, opts RedisQueueOptions) (*RedisQueue, error) {
	if opts.Prefix == "" {
		opts.Prefix = "mbq"
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.Config{})
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}

	return &RedisQueue{
		client:     client,
		prefix:     opts.Prefix,
		visibility: opts.Visibility,
		now:        opts.Now,
		logger:     opts.Logger.WithComponent("redis_queue"),
		pollEvery:  200 * time.Millisecond,
		leases:     make(map[LeaseToken]*envelope.Envelope),
	}, nil
}

func (q *RedisQueue) readyKey() string  { return q.prefix + ":ready" }
func (q *RedisQueue) leasedKey() string { return q.prefix + ":leased" }
func (q *RedisQueue) bodiesKey() string { return q.prefix + ":bodies" }
func (q *RedisQueue) tokensKey() string { return q.prefix + ":tokens" }

// Enqueue stores the body and adds the envelope to the ready set in one
// transaction; Redis persistence is the durability boundary here.
func (q *RedisQueue) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.MessageID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.bodiesKey(), env.MessageID, body)
	pipe.ZAdd(ctx, q.readyKey(), &redis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: env.MessageID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue envelope %s: %w", env.MessageID, err)
	}
	return nil
}

// Lease polls the lease script until an envelope is eligible or wait runs
// out. The lease token carries the message id so Ack/Release target the right
// member.
func (q *RedisQueue) Lease(ctx context.Context, wait time.Duration) (*envelope.Envelope, LeaseToken, error) {
	deadline := q.now().Add(wait)
	for {
		now := q.now()
		leaseID := uuid.NewString()
		res, err := leaseScript.Run(ctx, q.client,
			[]string{q.readyKey(), q.leasedKey(), q.tokensKey()},
			now.UnixMilli(), now.Add(q.visibility).UnixMilli(), leaseID,
		).Result()
		if err != nil && err != redis.Nil {
			return nil, "", fmt.Errorf("lease from redis: %w", err)
		}
		if id, ok := res.(string); ok && id != "" {
			body, err := q.client.HGet(ctx, q.bodiesKey(), id).Bytes()
			if err != nil {
				return nil, "", fmt.Errorf("load envelope body %s: %w", id, err)
			}
			var env envelope.Envelope
			if err := json.Unmarshal(body, &env); err != nil {
				return nil, "", fmt.Errorf("decode envelope body %s: %w", id, err)
			}
			token := LeaseToken(id + "/" + leaseID)
			q.mu.Lock()
			q.leases[token] = &env
			q.mu.Unlock()
			return &env, token, nil
		}

		if !q.now().Add(q.pollEvery).Before(deadline) {
			return nil, "", ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(q.pollEvery):
		}
	}
}

// Ack removes the envelope permanently.
func (q *RedisQueue) Ack(ctx context.Context, token LeaseToken) error {
	id, leaseID := tokenParts(token)
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.leasedKey(), q.bodiesKey(), q.tokensKey()}, id, leaseID).Int()
	if err != nil {
		return fmt.Errorf("ack envelope %s: %w", id, err)
	}
	q.mu.Lock()
	delete(q.leases, token)
	q.mu.Unlock()
	if n == 0 {
		return ErrUnknownLease
	}
	return nil
}

// Release persists the envelope as mutated under the lease and makes it
// leasable again after delay.
func (q *RedisQueue) Release(ctx context.Context, token LeaseToken, delay time.Duration) error {
	id, leaseID := tokenParts(token)

	q.mu.Lock()
	env, ok := q.leases[token]
	delete(q.leases, token)
	q.mu.Unlock()
	if !ok {
		return ErrUnknownLease
	}

	updated, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", id, err)
	}
	n, err := releaseScript.Run(ctx, q.client,
		[]string{q.leasedKey(), q.readyKey(), q.bodiesKey(), q.tokensKey()},
		id, q.now().Add(delay).UnixMilli(), updated, leaseID).Int()
	if err != nil {
		return fmt.Errorf("release envelope %s: %w", id, err)
	}
	if n == 0 {
		return ErrUnknownLease
	}
	return nil
}

// Depth reports the number of envelopes not yet acked.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.HLen(ctx, q.bodiesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return int(n), nil
}

// Close releases the client connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// tokenParts splits a lease token into the message id and the per-lease id.
func tokenParts(token LeaseToken) (string, string) {
	s := string(token)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
