// Package worker drains the durable queue and guarantees delivery to the
// record store up to a bounded number of attempts. Each worker is an
// independent lease → deliver → ack/release loop; mutual exclusion lives in
// the queue's lease semantics, not here.
package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alirezakavianifar/message-broker-sub002/internal/envelope"
	"github.com/alirezakavianifar/message-broker-sub002/internal/metrics"
	"github.com/alirezakavianifar/message-broker-sub002/internal/queue"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
)

// Deliverer is the slice of the store client the pool needs.
type Deliverer interface {
	Deliver(ctx context.Context, messageID, payloadRef string) error
	UpdateStatus(ctx context.Context, messageID string, status envelope.Status, attempts uint, errMsg string) error
}

// Config tunes the pool.
type Config struct {
	WorkerCount     int
	RetryInterval   time.Duration
	MaxAttempts     uint
	DeliveryTimeout time.Duration

	// LeaseWait is how long one Lease call blocks before re-checking for
	// shutdown; purely an idle-wakeup knob.
	LeaseWait time.Duration

	// DrainTimeout bounds how long Run waits for in-flight deliveries after
	// cancellation. Stragglers are recovered later via lease expiry.
	DrainTimeout time.Duration
}

// Pool runs Config.WorkerCount delivery loops over a shared queue.
type Pool struct {
	cfg     Config
	queue   queue.DurableQueue
	store   Deliverer
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
}

// Options configures a Pool.
type Options struct {
	Queue   queue.DurableQueue
	Store   Deliverer
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Now     func() time.Time
}

// NewPool validates the configuration and builds the pool.
func NewPool(cfg Config, opts Options) *Pool {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 10000
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.LeaseWait <= 0 {
		cfg.LeaseWait = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.Config{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		cfg:     cfg,
		queue:   opts.Queue,
		store:   opts.Store,
		metrics: opts.Metrics,
		logger:  opts.Logger.WithComponent("worker_pool"),
		now:     opts.Now,
	}
}

// Run starts the workers and blocks until ctx is cancelled and the pool has
// drained (or the drain window closed). Cancellation stops new leases
// immediately; deliveries already in flight finish normally because each is
// bounded by DeliveryTimeout.
func (p *Pool) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		id := i
		g.Go(func() error {
			p.workerLoop(ctx, id)
			return nil
		})
	}
	p.logger.Info("worker pool started", "workers", p.cfg.WorkerCount)

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(p.cfg.DrainTimeout):
		// Anything still in flight keeps its lease until the visibility
		// deadline and is re-leased then; nothing is dropped.
		p.logger.Warn("drain window elapsed, relying on lease expiry for stragglers")
	}
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}

		env, token, err := p.queue.Lease(ctx, p.cfg.LeaseWait)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrEmpty):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, queue.ErrClosed):
			return
		default:
			logger.Error("lease failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.process(env, token, logger)
	}
}

// ackTimeout bounds the queue bookkeeping after a delivery attempt. It is
// separate from DeliveryTimeout so an attempt that used its whole budget can
// still settle its lease.
const ackTimeout = 5 * time.Second

// process runs one delivery attempt for a leased envelope. It deliberately
// does not take the pool's run context: once an envelope is leased the
// attempt runs to its own bounded timeout even during shutdown.
func (p *Pool) process(env *envelope.Envelope, token queue.LeaseToken, logger *logging.Logger) {
	if err := env.Transition(envelope.StatusProcessing, p.now()); err != nil {
		// A terminal envelope can only reach here through a queue bug;
		// acking keeps it from looping forever.
		logger.Error("leased envelope in unexpected state", "message_id", env.MessageID, "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		_ = p.queue.Ack(ctx, token)
		return
	}

	deliverCtx, cancelDeliver := context.WithTimeout(context.Background(), p.cfg.DeliveryTimeout)
	start := p.now()
	deliverErr := p.store.Deliver(deliverCtx, env.MessageID, env.PayloadRef)
	cancelDeliver()
	if p.metrics != nil {
		p.metrics.AttemptsTotal.Inc()
		p.metrics.DeliveryDuration.Observe(p.now().Sub(start).Seconds())
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	if deliverErr == nil {
		p.succeed(ctx, env, token, logger)
		return
	}
	p.fail(ctx, env, token, deliverErr, logger)
}

func (p *Pool) succeed(ctx context.Context, env *envelope.Envelope, token queue.LeaseToken, logger *logging.Logger) {
	if err := env.Transition(envelope.StatusDelivered, p.now()); err != nil {
		logger.Error("cannot mark delivered", "message_id", env.MessageID, "error", err)
		return
	}
	if err := p.queue.Ack(ctx, token); err != nil {
		// The lease expired mid-delivery; the envelope will be re-leased and
		// re-delivered, which the store's id-based dedup absorbs.
		logger.Warn("ack after delivery failed", "message_id", env.MessageID, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.DeliveredTotal.Inc()
	}
	logger.Info("delivered", "message_id", env.MessageID, "attempts", env.AttemptCount)

	if err := p.store.UpdateStatus(ctx, env.MessageID, envelope.StatusDelivered, env.AttemptCount, ""); err != nil {
		logger.Warn("status report failed", "message_id", env.MessageID, "error", err)
	}
}

func (p *Pool) fail(ctx context.Context, env *envelope.Envelope, token queue.LeaseToken, deliverErr error, logger *logging.Logger) {
	env.RecordAttempt(p.now())

	if env.AttemptCount >= p.cfg.MaxAttempts {
		if err := env.Transition(envelope.StatusFailed, p.now()); err != nil {
			logger.Error("cannot mark failed", "message_id", env.MessageID, "error", err)
			return
		}
		// Terminal: removed from the queue permanently, reported once.
		if err := p.queue.Ack(ctx, token); err != nil {
			logger.Warn("ack of exhausted envelope failed", "message_id", env.MessageID, "error", err)
			return
		}
		if p.metrics != nil {
			p.metrics.FailedTotal.Inc()
		}
		logger.Error("delivery exhausted",
			"message_id", env.MessageID, "attempts", env.AttemptCount, "error", deliverErr)
		if err := p.store.UpdateStatus(ctx, env.MessageID, envelope.StatusFailed, env.AttemptCount, deliverErr.Error()); err != nil {
			logger.Warn("status report failed", "message_id", env.MessageID, "error", err)
		}
		return
	}

	if err := env.Transition(envelope.StatusQueued, p.now()); err != nil {
		logger.Error("cannot requeue", "message_id", env.MessageID, "error", err)
		return
	}
	if err := p.queue.Release(ctx, token, p.cfg.RetryInterval); err != nil {
		// Lease expired; the reclaim path re-readies the envelope anyway.
		logger.Warn("release failed", "message_id", env.MessageID, "error", err)
		return
	}
	logger.Debug("delivery failed, retry scheduled",
		"message_id", env.MessageID, "attempt", env.AttemptCount, "retry_in", p.cfg.RetryInterval, "error", deliverErr)
}
