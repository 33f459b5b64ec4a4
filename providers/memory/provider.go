// Package memory provides an in-process queue provider with full lease
// semantics. It backs tests and single-process deployments; durability ends
// with the process.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/agentq/errors"
	"github.com/relayforge/agentq/job"
)

// message is one stored job. A message is available when visibleAt has
// passed; popping hides it for the lease window and bumps attempt.
type message struct {
	id         string
	payload    []byte
	attempt    int
	enqueuedAt time.Time
	visibleAt  time.Time
}

// ArchivedJob is a retained job with its outcome, exposed for inspection.
type ArchivedJob struct {
	Job        job.Job
	Failure    *job.Failure
	ArchivedAt time.Time
}

// Provider implements the queue contract with in-memory storage. Lease
// semantics match the durable providers: popped jobs stay hidden until
// acknowledged or their lease lapses, after which they are redelivered
// with an incremented attempt count.
type Provider struct {
	mu        sync.Mutex
	queues    map[string][]*message
	archived  map[string][]ArchivedJob
	connected bool
	now       func() time.Time
}

// New creates an in-memory provider.
func New() *Provider {
	return &Provider{
		queues:   make(map[string][]*message),
		archived: make(map[string][]ArchivedJob),
		now:      time.Now,
	}
}

// Connect marks the provider ready.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Close drops all queues and archives.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues = make(map[string][]*message)
	p.archived = make(map[string][]ArchivedJob)
	p.connected = false
	return nil
}

// Health reports whether the provider is connected.
func (p *Provider) Health() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return errors.ErrNotConnected
	}
	return nil
}

// Type returns the provider type.
func (p *Provider) Type() string {
	return "memory"
}

// CreateQueue registers a queue. Creating an existing queue is a no-op.
func (p *Provider) CreateQueue(ctx context.Context, name string) error {
	if name == "" {
		return errors.ErrEmptyQueueName
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.queues[name]; !exists {
		p.queues[name] = nil
	}
	return nil
}

// Send enqueues a payload and returns the assigned job ID.
func (p *Provider) Send(ctx context.Context, queue string, payload []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.queues[queue]; !exists {
		return "", errors.NewProviderError("send", queue, errors.ErrQueueNotFound)
	}

	msg := &message{
		id:         uuid.NewString(),
		payload:    payload,
		enqueuedAt: p.now(),
	}
	p.queues[queue] = append(p.queues[queue], msg)
	return msg.id, nil
}

// Pop claims a lease on the oldest available job. Returns (nil, nil) when
// nothing is available.
func (p *Provider) Pop(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs, exists := p.queues[queue]
	if !exists {
		return nil, errors.NewProviderError("pop", queue, errors.ErrQueueNotFound)
	}

	now := p.now()
	for _, msg := range msgs {
		if msg.visibleAt.After(now) {
			continue
		}
		msg.attempt++
		msg.visibleAt = now.Add(lease)
		j := p.toJob(queue, msg)
		return &j, nil
	}
	return nil, nil
}

// Read returns up to limit available jobs without consuming retry budget.
// The jobs are hidden for the lease window but attempt is untouched.
func (p *Provider) Read(ctx context.Context, queue string, lease time.Duration, limit int) ([]job.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs, exists := p.queues[queue]
	if !exists {
		return nil, errors.NewProviderError("read", queue, errors.ErrQueueNotFound)
	}

	now := p.now()
	var out []job.Job
	for _, msg := range msgs {
		if len(out) >= limit {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		msg.visibleAt = now.Add(lease)
		out = append(out, p.toJob(queue, msg))
	}
	return out, nil
}

// Archive acknowledges a job and retains it, with failure diagnostics when
// given. Returns errors.ErrLeaseExpired for a lapsed or already
// acknowledged lease.
func (p *Provider) Archive(ctx context.Context, j *job.Job, failure *job.Failure) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, err := p.takeLeased(j)
	if err != nil {
		return err
	}
	p.archived[j.Queue] = append(p.archived[j.Queue], ArchivedJob{
		Job:        p.toJob(j.Queue, msg),
		Failure:    failure,
		ArchivedAt: p.now(),
	})
	return nil
}

// Delete acknowledges a job and removes it permanently.
func (p *Provider) Delete(ctx context.Context, j *job.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.takeLeased(j)
	return err
}

// DeadLetter publishes the job on dlq wrapped with its failure record and
// acknowledges the original.
func (p *Provider) DeadLetter(ctx context.Context, dlq string, j *job.Job, failure job.Failure) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.queues[dlq]; !exists {
		return errors.NewProviderError("dead-letter", dlq, errors.ErrQueueNotFound)
	}

	body, err := json.Marshal(job.NewDeadLetterEnvelope(j, failure))
	if err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}

	if _, err := p.takeLeased(j); err != nil {
		return err
	}

	p.queues[dlq] = append(p.queues[dlq], &message{
		id:         uuid.NewString(),
		payload:    body,
		enqueuedAt: p.now(),
	})
	return nil
}

// Archived returns the retained jobs for a queue, oldest first.
func (p *Provider) Archived(queue string) []ArchivedJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ArchivedJob, len(p.archived[queue]))
	copy(out, p.archived[queue])
	return out
}

// Len returns the number of live (pending or leased) jobs on a queue.
func (p *Provider) Len(queue string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[queue])
}

// takeLeased removes the message behind a job handle, enforcing lease
// validity. Callers hold the lock.
func (p *Provider) takeLeased(j *job.Job) (*message, error) {
	msgs, exists := p.queues[j.Queue]
	if !exists {
		return nil, errors.NewProviderError("ack", j.Queue, errors.ErrQueueNotFound)
	}

	now := p.now()
	for i, msg := range msgs {
		if msg.id != j.ID {
			continue
		}
		// A stale handle (lapsed window or superseded delivery) must not
		// acknowledge a redelivered copy.
		if msg.attempt != j.Attempt || now.After(msg.visibleAt) {
			return nil, errors.ErrLeaseExpired
		}
		p.queues[j.Queue] = append(msgs[:i], msgs[i+1:]...)
		return msg, nil
	}
	return nil, errors.ErrLeaseExpired
}

// toJob materializes a job handle from a stored message. Callers hold the
// lock.
func (p *Provider) toJob(queue string, msg *message) job.Job {
	payload := make([]byte, len(msg.payload))
	copy(payload, msg.payload)
	return job.Job{
		ID:             msg.id,
		Queue:          queue,
		Payload:        payload,
		Attempt:        msg.attempt,
		EnqueuedAt:     msg.enqueuedAt,
		LeaseExpiresAt: msg.visibleAt,
		Receipt:        msg.id,
	}
}
