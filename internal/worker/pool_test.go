package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alirezakavianifar/message-broker-sub002/internal/envelope"
	"github.com/alirezakavianifar/message-broker-sub002/internal/queue"
)

// fakeStore scripts delivery outcomes per message id. failures[n] is how many
// times Deliver fails before succeeding; -1 means fail forever.
type fakeStore struct {
	mu       sync.Mutex
	failures map[string]int
	attempts map[string]int
	statuses map[string][]envelope.Status
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failures: make(map[string]int),
		attempts: make(map[string]int),
		statuses: make(map[string][]envelope.Status),
	}
}

func (s *fakeStore) Deliver(_ context.Context, messageID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[messageID]++
	remaining := s.failures[messageID]
	if remaining == 0 {
		return nil
	}
	if remaining > 0 {
		s.failures[messageID]--
	}
	return errors.New("store unavailable")
}

func (s *fakeStore) UpdateStatus(_ context.Context, messageID string, status envelope.Status, _ uint, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[messageID] = append(s.statuses[messageID], status)
	return nil
}

func (s *fakeStore) deliverAttempts(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[messageID]
}

func (s *fakeStore) reported(messageID string) []envelope.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]envelope.Status(nil), s.statuses[messageID]...)
}

func newTestQueue(t *testing.T) *queue.FileQueue {
	t.Helper()
	q, err := queue.NewFileQueue(t.TempDir(), queue.FileQueueOptions{Visibility: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPoolDeliversAndAcks(t *testing.T) {
	q := newTestQueue(t)
	store := newFakeStore()

	env := envelope.New("client-a", "fp", "payload", "default", time.Now().UTC())
	require.NoError(t, q.Enqueue(context.Background(), env))

	p := NewPool(Config{
		WorkerCount: 2,
		LeaseWait:   100 * time.Millisecond,
	}, Options{Queue: q, Store: store})
	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		d, err := q.Depth(context.Background())
		return err == nil && d == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, store.deliverAttempts(env.MessageID))
	assert.Equal(t, []envelope.Status{envelope.StatusDelivered}, store.reported(env.MessageID))
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	q := newTestQueue(t)
	store := newFakeStore()

	env := envelope.New("client-a", "fp", "payload", "default", time.Now().UTC())
	store.failures[env.MessageID] = 2
	require.NoError(t, q.Enqueue(context.Background(), env))

	p := NewPool(Config{
		WorkerCount:   1,
		RetryInterval: 50 * time.Millisecond,
		MaxAttempts:   10,
		LeaseWait:     50 * time.Millisecond,
	}, Options{Queue: q, Store: store})
	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		d, err := q.Depth(context.Background())
		return err == nil && d == 0
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 3, store.deliverAttempts(env.MessageID))
	assert.Equal(t, []envelope.Status{envelope.StatusDelivered}, store.reported(env.MessageID))
}

func TestPoolExhaustsAttemptsAndFailsTerminally(t *testing.T) {
	q := newTestQueue(t)
	store := newFakeStore()

	env := envelope.New("client-a", "fp", "payload", "default", time.Now().UTC())
	store.failures[env.MessageID] = -1
	require.NoError(t, q.Enqueue(context.Background(), env))

	p := NewPool(Config{
		WorkerCount:   1,
		RetryInterval: 20 * time.Millisecond,
		MaxAttempts:   3,
		LeaseWait:     50 * time.Millisecond,
	}, Options{Queue: q, Store: store})
	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		d, err := q.Depth(context.Background())
		return err == nil && d == 0
	}, 10*time.Second, 20*time.Millisecond)

	// Exactly MaxAttempts tries, then removed from the queue for good.
	assert.Equal(t, 3, store.deliverAttempts(env.MessageID))
	assert.Equal(t, []envelope.Status{envelope.StatusFailed}, store.reported(env.MessageID))

	// Nothing comes back later.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, store.deliverAttempts(env.MessageID))
}

func TestPoolWorkersNeverDoubleDeliver(t *testing.T) {
	q := newTestQueue(t)
	store := newFakeStore()

	ctx := context.Background()
	const total = 40
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		env := envelope.New("client-a", "fp", "payload", "default", time.Now().UTC())
		require.NoError(t, q.Enqueue(ctx, env))
		ids = append(ids, env.MessageID)
	}

	p := NewPool(Config{
		WorkerCount: 8,
		LeaseWait:   100 * time.Millisecond,
	}, Options{Queue: q, Store: store})
	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		d, err := q.Depth(ctx)
		return err == nil && d == 0
	}, 10*time.Second, 20*time.Millisecond)

	for _, id := range ids {
		assert.Equal(t, 1, store.deliverAttempts(id), "message %s", id)
	}
}

// slowStartStore stalls the first delivery attempt, simulating a backend that
// hangs longer than the lease visibility window.
type slowStartStore struct {
	*fakeStore
	stall     time.Duration
	stallOnce sync.Once
}

func (s *slowStartStore) Deliver(ctx context.Context, messageID, payloadRef string) error {
	s.stallOnce.Do(func() { time.Sleep(s.stall) })
	return s.fakeStore.Deliver(ctx, messageID, payloadRef)
}

func TestDeliveryOutlastingVisibilityStillRetriesToTerminal(t *testing.T) {
	ctx := context.Background()
	q, err := queue.NewFileQueue(t.TempDir(), queue.FileQueueOptions{Visibility: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	store := &slowStartStore{fakeStore: newFakeStore(), stall: 600 * time.Millisecond}
	env := envelope.New("client-a", "fp", "payload", "default", time.Now().UTC())
	store.failures[env.MessageID] = -1
	require.NoError(t, q.Enqueue(ctx, env))

	// A second worker reclaims the envelope while the first is still stuck
	// in its delivery call; the message must keep its full retry budget.
	p := NewPool(Config{
		WorkerCount:     2,
		RetryInterval:   20 * time.Millisecond,
		MaxAttempts:     3,
		DeliveryTimeout: 5 * time.Second,
		LeaseWait:       100 * time.Millisecond,
	}, Options{Queue: q, Store: store})
	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		d, err := q.Depth(ctx)
		return err == nil && d == 0
	}, 15*time.Second, 20*time.Millisecond)

	assert.GreaterOrEqual(t, store.deliverAttempts(env.MessageID), 3)
	assert.Equal(t, []envelope.Status{envelope.StatusFailed}, store.reported(env.MessageID))
}

// slowStore sleeps through every delivery, ignoring the attempt's context.
type slowStore struct {
	*fakeStore
	delay time.Duration
}

func (s *slowStore) Deliver(ctx context.Context, messageID, payloadRef string) error {
	time.Sleep(s.delay)
	return s.fakeStore.Deliver(ctx, messageID, payloadRef)
}

func TestAckSurvivesDeliveryConsumingFullTimeout(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	store := &slowStore{fakeStore: newFakeStore(), delay: 300 * time.Millisecond}

	env := envelope.New("client-a", "fp", "payload", "default", time.Now().UTC())
	require.NoError(t, q.Enqueue(ctx, env))

	// The delivery call outlives its own timeout; the ack afterwards runs
	// on a separate budget and must still land.
	p := NewPool(Config{
		WorkerCount:     1,
		DeliveryTimeout: 100 * time.Millisecond,
		LeaseWait:       50 * time.Millisecond,
	}, Options{Queue: q, Store: store})
	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		d, err := q.Depth(ctx)
		return err == nil && d == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, store.deliverAttempts(env.MessageID))
	assert.Equal(t, []envelope.Status{envelope.StatusDelivered}, store.reported(env.MessageID))
}

func TestPoolStopsLeasingOnCancel(t *testing.T) {
	q := newTestQueue(t)
	store := newFakeStore()

	p := NewPool(Config{
		WorkerCount: 2,
		LeaseWait:   50 * time.Millisecond,
	}, Options{Queue: q, Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}

	// Work enqueued after shutdown stays put.
	env := envelope.New("client-a", "fp", "payload", "default", time.Now().UTC())
	require.NoError(t, q.Enqueue(context.Background(), env))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, store.deliverAttempts(env.MessageID))
}

func TestPoolReportsStatusBestEffort(t *testing.T) {
	// UpdateStatus failures must not affect queue state.
	q := newTestQueue(t)
	store := &statusFailingStore{fakeStore: newFakeStore()}

	env := envelope.New("client-a", "fp", "payload", "default", time.Now().UTC())
	require.NoError(t, q.Enqueue(context.Background(), env))

	p := NewPool(Config{
		WorkerCount: 1,
		LeaseWait:   50 * time.Millisecond,
	}, Options{Queue: q, Store: store})
	stop := runPool(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		d, err := q.Depth(context.Background())
		return err == nil && d == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, store.deliverAttempts(env.MessageID))
}

type statusFailingStore struct{ *fakeStore }

func (s *statusFailingStore) UpdateStatus(context.Context, string, envelope.Status, uint, string) error {
	return errors.New("store unavailable")
}
