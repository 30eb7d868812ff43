// Package queue provides the durable FIFO the gateway produces into and the
// delivery workers consume from. Consumers take time-bounded exclusive leases
// rather than popping: an envelope leaves the queue only on Ack, so a consumer
// that dies mid-delivery loses its lease, not the message.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/alirezakavianifar/message-broker-sub002/internal/envelope"
)

var (
	// ErrEmpty is returned by Lease when nothing became leasable within the
	// wait window.
	ErrEmpty = errors.New("queue: no leasable envelope")

	// ErrUnknownLease is returned by Ack/Release for a token that is not
	// currently active, typically because its visibility deadline passed and
	// the envelope was reclaimed.
	ErrUnknownLease = errors.New("queue: unknown or expired lease token")

	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("queue: closed")
)

// LeaseToken identifies one active lease. Tokens are single-use: after Ack,
// Release, or visibility expiry the token is dead.
type LeaseToken string

// DurableQueue is the contract shared by the file-spool and Redis backends.
//
// Enqueue must not return nil unless the envelope is recoverable after a
// process crash. Lease hands out at most one active lease per envelope; an
// unacknowledged lease expires after the backend's visibility window and the
// envelope becomes leasable again. Release returns the envelope to the ready
// set, leasable only after delay has elapsed, persisting any mutation the
// holder made (attempt counts survive a crash).
type DurableQueue interface {
	Enqueue(ctx context.Context, env *envelope.Envelope) error
	Lease(ctx context.Context, wait time.Duration) (*envelope.Envelope, LeaseToken, error)
	Ack(ctx context.Context, token LeaseToken) error
	Release(ctx context.Context, token LeaseToken, delay time.Duration) error
	Depth(ctx context.Context) (int, error)
	Close() error
}
