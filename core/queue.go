package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayforge/agentq/errors"
	"github.com/relayforge/agentq/job"
)

// Processor is the function bound to a queue. It receives the raw job
// payload and reports failure by returning an error.
type Processor func(ctx context.Context, payload []byte) error

// ErrorHandler observes job failures for alerting or metrics. Panics inside
// the handler are logged and swallowed; they never affect job outcome.
type ErrorHandler func(j *job.Job, err error)

// Result is the outcome of one processor invocation.
type Result struct {
	Err error
}

// Success reports whether the invocation completed without error.
func (r Result) Success() bool { return r.Err == nil }

const (
	defaultMaxRetries   = 3
	defaultLeaseTimeout = 30 * time.Second
)

// Queue binds a processor to a named channel together with its retry and
// dead-letter policy. Configure queues at startup; a Queue is immutable
// once bound to a worker.
type Queue struct {
	name           string
	processor      Processor
	maxRetries     int
	dlqName        string
	leaseTimeout   time.Duration
	deleteOnFinish bool
	errorHandler   ErrorHandler
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxRetries sets how many delivery attempts a job gets before it is
// dead-lettered or archived with its failure.
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) { q.maxRetries = n }
}

// WithDeadLetterQueue routes exhausted jobs to the named queue instead of
// the archive.
func WithDeadLetterQueue(name string) QueueOption {
	return func(q *Queue) { q.dlqName = name }
}

// WithLeaseTimeout sets the visibility window for popped jobs. It must
// comfortably exceed the expected processing time, or finished jobs will
// already have been redelivered by the time they are acknowledged.
func WithLeaseTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.leaseTimeout = d }
}

// WithDeleteOnFinish removes successful jobs instead of archiving them.
func WithDeleteOnFinish(v bool) QueueOption {
	return func(q *Queue) { q.deleteOnFinish = v }
}

// WithErrorHandler installs a failure observer.
func WithErrorHandler(h ErrorHandler) QueueOption {
	return func(q *Queue) { q.errorHandler = h }
}

// NewQueue creates a queue binding with the given policy.
func NewQueue(name string, processor Processor, opts ...QueueOption) (*Queue, error) {
	if name == "" {
		return nil, errors.ErrEmptyQueueName
	}
	if processor == nil {
		return nil, errors.ErrNilProcessor
	}

	q := &Queue{
		name:         name,
		processor:    processor,
		maxRetries:   defaultMaxRetries,
		leaseTimeout: defaultLeaseTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Name returns the queue's channel name.
func (q *Queue) Name() string { return q.name }

// LeaseTimeout returns the visibility window used when popping jobs.
func (q *Queue) LeaseTimeout() time.Duration { return q.leaseTimeout }

// MaxRetries returns the delivery attempt budget.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// DeadLetterQueue returns the configured dead-letter queue name, or "".
func (q *Queue) DeadLetterQueue() string { return q.dlqName }

// Invoke runs the processor on the job. Processor errors and panics are
// converted into a Result; they never propagate to the caller.
func (q *Queue) Invoke(ctx context.Context, j *job.Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: errors.NewProcessorError(q.name, j.ID, fmt.Errorf("panic: %v", r))}
		}
	}()

	if err := q.processor(ctx, j.Payload); err != nil {
		return Result{Err: errors.NewProcessorError(q.name, j.ID, err)}
	}
	return Result{}
}

// Finish acknowledges a successfully processed job, archiving or deleting
// it per queue policy. A lapsed lease means the store already redelivered
// or acknowledged the job, so it is logged and ignored.
func (q *Queue) Finish(ctx context.Context, provider Provider, j *job.Job) {
	var err error
	if q.deleteOnFinish {
		err = provider.Delete(ctx, j)
	} else {
		err = provider.Archive(ctx, j, nil)
	}

	switch {
	case err == nil:
	case errors.IsLeaseExpired(err):
		slog.Debug("Acknowledgement after lease expiry",
			"queue", q.name, "job_id", j.ID, "attempt", j.Attempt)
	default:
		slog.Error("Failed to acknowledge job",
			"queue", q.name, "job_id", j.ID, "error", err)
	}
}

// HandleError applies the retry policy to a failed job. Jobs with budget
// left are released back to the store by simply letting the lease lapse;
// exhausted jobs go to the dead-letter queue, or into the archive with
// their failure when no dead-letter queue is configured or publishing to
// it fails.
func (q *Queue) HandleError(ctx context.Context, provider Provider, j *job.Job, procErr error) {
	q.notifyErrorHandler(j, procErr)

	if j.Attempt < q.maxRetries {
		slog.Debug("Job released for redelivery",
			"queue", q.name, "job_id", j.ID, "attempt", j.Attempt, "max_retries", q.maxRetries)
		return
	}

	failure := job.Failure{
		Queue:    q.name,
		JobID:    j.ID,
		Attempts: j.Attempt,
		Error:    procErr.Error(),
		FailedAt: time.Now().UTC(),
	}

	if q.dlqName != "" {
		err := provider.DeadLetter(ctx, q.dlqName, j, failure)
		if err == nil {
			slog.Warn("Job dead-lettered",
				"queue", q.name, "dlq", q.dlqName, "job_id", j.ID, "attempts", j.Attempt)
			return
		}
		if errors.IsLeaseExpired(err) {
			slog.Debug("Dead-letter after lease expiry", "queue", q.name, "job_id", j.ID)
			return
		}
		slog.Error("Dead-letter publish failed, archiving instead",
			"queue", q.name, "dlq", q.dlqName, "job_id", j.ID, "error", err)
	}

	err := provider.Archive(ctx, j, &failure)
	switch {
	case err == nil:
		slog.Warn("Job archived with failure",
			"queue", q.name, "job_id", j.ID, "attempts", j.Attempt, "error", procErr)
	case errors.IsLeaseExpired(err):
		slog.Debug("Archive after lease expiry", "queue", q.name, "job_id", j.ID)
	default:
		slog.Error("Failed to archive exhausted job",
			"queue", q.name, "job_id", j.ID, "error", err)
	}
}

func (q *Queue) notifyErrorHandler(j *job.Job, procErr error) {
	if q.errorHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Error handler panicked", "queue", q.name, "panic", r)
		}
	}()
	q.errorHandler(j, procErr)
}
