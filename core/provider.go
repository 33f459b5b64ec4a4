package core

import (
	"context"
	"time"

	"github.com/relayforge/agentq/job"
)

// Provider is what the core needs from a backing queue store.
// Implementations translate these operations to the store's primitives and
// keep no job state of their own, so any number of workers can share one
// store.
//
// All methods must be safe for concurrent use; a single Provider is shared
// by every polling loop in a Worker.
type Provider interface {
	// Send enqueues a payload on a named queue and returns the
	// store-assigned job ID. The payload is expected to be a JSON document.
	// Returns errors.ErrQueueNotFound if the queue was never created.
	Send(ctx context.Context, queue string, payload []byte) (string, error)

	// Read returns up to limit jobs without consuming retry budget.
	// Returned jobs are hidden for the lease duration but their attempt
	// count is not incremented. Providers that cannot peek return
	// errors.ErrNotSupported.
	Read(ctx context.Context, queue string, lease time.Duration, limit int) ([]job.Job, error)

	// Pop claims an exclusive lease on the next available job and
	// increments its attempt count. Returns (nil, nil) when the queue is
	// empty. If the job is neither acknowledged nor extended before the
	// lease lapses, the store redelivers it.
	Pop(ctx context.Context, queue string, lease time.Duration) (*job.Job, error)

	// Archive acknowledges a job and retains it for audit. A non-nil
	// failure embeds terminal diagnostics (retry budget exhausted with no
	// dead-letter queue configured). Returns errors.ErrLeaseExpired when
	// the lease has lapsed or the job was already acknowledged; callers
	// treat that as a no-op.
	Archive(ctx context.Context, j *job.Job, failure *job.Failure) error

	// Delete acknowledges a job and removes it permanently. Same lease
	// semantics as Archive.
	Delete(ctx context.Context, j *job.Job) error

	// DeadLetter publishes the job on dlq wrapped with failure diagnostics
	// and acknowledges it on its original queue. The original is kept in
	// place if publishing fails.
	DeadLetter(ctx context.Context, dlq string, j *job.Job, failure job.Failure) error

	// CreateQueue registers a named queue. Creating an existing queue is a
	// no-op. Send and Pop fail fast against unregistered queues.
	CreateQueue(ctx context.Context, name string) error

	// Connection management
	Connect(ctx context.Context) error
	Close() error
	Health() error
	Type() string
}
