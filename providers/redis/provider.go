// Package redis provides a queue provider backed by Redis.
//
// Pending jobs live on a list, leased jobs in a sorted set scored by lease
// deadline, and job records in hashes. Every pop first sweeps lapsed leases
// back onto the head of the pending list, which is how expired jobs get
// redelivered.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"github.com/relayforge/agentq/errors"
	redisUtils "github.com/relayforge/agentq/internal/redis"
	"github.com/relayforge/agentq/job"
)

// Provider implements the queue contract for Redis.
type Provider struct {
	pool      *redis.Pool
	namespace string
	options   Options
	ownedPool bool

	mu    sync.RWMutex
	known map[string]bool
}

// archiveEntry is the JSON record kept on the archive list.
type archiveEntry struct {
	job.Envelope
	Status     string       `json:"status"`
	Failure    *job.Failure `json:"failure,omitempty"`
	ArchivedAt time.Time    `json:"archived_at"`
}

// New creates a Redis provider that dials its own connection pool on
// Connect.
func New(options Options) *Provider {
	return &Provider{
		namespace: options.Namespace,
		options:   options,
		ownedPool: true,
		known:     make(map[string]bool),
	}
}

// NewWithPool creates a Redis provider over an existing pool, for
// deployments that share one pool between the queue and other components.
// The caller keeps ownership of the pool.
func NewWithPool(pool *redis.Pool, options Options) *Provider {
	return &Provider{
		pool:      pool,
		namespace: options.Namespace,
		options:   options,
		known:     make(map[string]bool),
	}
}

// Pool exposes the underlying connection pool so other components (like a
// checkpoint store) can share it.
func (r *Provider) Pool() *redis.Pool {
	return r.pool
}

// Connect establishes the connection to Redis and verifies it with a ping.
func (r *Provider) Connect(ctx context.Context) error {
	if r.pool == nil {
		pool, err := redisUtils.CreatePool(r.options)
		if err != nil {
			return errors.NewConnectionError(r.options.URI,
				fmt.Errorf("failed to create Redis pool: %w", err))
		}
		r.pool = pool
	}

	conn := r.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("ping failed: %w", err))
	}

	return nil
}

// Close closes the connection pool if this provider owns it.
func (r *Provider) Close() error {
	if r.pool != nil && r.ownedPool {
		return r.pool.Close()
	}
	return nil
}

// Health checks the Redis connection health.
func (r *Provider) Health() error {
	if r.pool == nil {
		return errors.ErrNotConnected
	}

	conn := r.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("health check failed: %w", err))
	}

	return nil
}

// Type returns the provider type.
func (r *Provider) Type() string {
	return "redis"
}

// CreateQueue registers a queue in the known-queues set.
func (r *Provider) CreateQueue(ctx context.Context, name string) error {
	if name == "" {
		return errors.ErrEmptyQueueName
	}
	if r.pool == nil {
		return errors.ErrNotConnected
	}

	conn := r.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("SADD", r.queuesKey(), name); err != nil {
		return errors.NewProviderError("create_queue", name, err)
	}

	r.mu.Lock()
	r.known[name] = true
	r.mu.Unlock()
	return nil
}

// Send enqueues a payload and returns the assigned job ID.
func (r *Provider) Send(ctx context.Context, queue string, payload []byte) (string, error) {
	if r.pool == nil {
		return "", errors.ErrNotConnected
	}

	conn := r.pool.Get()
	defer conn.Close()

	if err := r.checkQueue(conn, "send", queue); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	conn.Send("MULTI")
	conn.Send("HSET", r.jobKey(id),
		"queue", queue,
		"payload", payload,
		"attempt", 0,
		"enqueued_at", now.Format(time.RFC3339Nano))
	conn.Send("RPUSH", r.pendingKey(queue), id)
	if _, err := conn.Do("EXEC"); err != nil {
		return "", errors.NewProviderError("send", queue, err)
	}

	return id, nil
}

// Pop claims a lease on the next available job. Lapsed leases are swept
// back to pending first, so expired jobs are redelivered before new ones.
func (r *Provider) Pop(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	if r.pool == nil {
		return nil, errors.ErrNotConnected
	}

	conn := r.pool.Get()
	defer conn.Close()

	if err := r.checkQueue(conn, "pop", queue); err != nil {
		return nil, err
	}
	if err := r.reap(conn, queue); err != nil {
		return nil, err
	}

	id, err := redis.String(conn.Do("LPOP", r.pendingKey(queue)))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewProviderError("pop", queue, err)
	}

	attempt, err := redis.Int(conn.Do("HINCRBY", r.jobKey(id), "attempt", 1))
	if err != nil {
		return nil, errors.NewProviderError("pop", queue, err)
	}

	deadline := time.Now().Add(lease)
	if _, err := conn.Do("ZADD", r.leasedKey(queue), leaseScore(deadline), id); err != nil {
		return nil, errors.NewProviderError("pop", queue, err)
	}

	j, err := r.loadJob(conn, queue, id)
	if err != nil {
		return nil, err
	}
	j.Attempt = attempt
	j.LeaseExpiresAt = deadline
	return j, nil
}

// Read returns up to limit jobs without consuming retry budget. The jobs
// are hidden for the lease window but attempt stays untouched.
func (r *Provider) Read(ctx context.Context, queue string, lease time.Duration, limit int) ([]job.Job, error) {
	if r.pool == nil {
		return nil, errors.ErrNotConnected
	}

	conn := r.pool.Get()
	defer conn.Close()

	if err := r.checkQueue(conn, "read", queue); err != nil {
		return nil, err
	}
	if err := r.reap(conn, queue); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(lease)
	var out []job.Job
	for len(out) < limit {
		id, err := redis.String(conn.Do("LPOP", r.pendingKey(queue)))
		if err == redis.ErrNil {
			break
		}
		if err != nil {
			return nil, errors.NewProviderError("read", queue, err)
		}

		if _, err := conn.Do("ZADD", r.leasedKey(queue), leaseScore(deadline), id); err != nil {
			return nil, errors.NewProviderError("read", queue, err)
		}

		j, err := r.loadJob(conn, queue, id)
		if err != nil {
			return nil, err
		}
		j.LeaseExpiresAt = deadline
		out = append(out, *j)
	}
	return out, nil
}

// Archive acknowledges a job and appends it to the queue's archive list.
func (r *Provider) Archive(ctx context.Context, j *job.Job, failure *job.Failure) error {
	if r.pool == nil {
		return errors.ErrNotConnected
	}

	conn := r.pool.Get()
	defer conn.Close()

	if err := r.checkLease(conn, j); err != nil {
		return err
	}

	entry := archiveEntry{
		Envelope: job.Envelope{
			ID:         j.ID,
			Queue:      j.Queue,
			Payload:    json.RawMessage(j.Payload),
			Attempt:    j.Attempt,
			EnqueuedAt: j.EnqueuedAt,
		},
		Status:     "ok",
		Failure:    failure,
		ArchivedAt: time.Now().UTC(),
	}
	if failure != nil {
		entry.Status = "error"
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.NewProviderError("archive", j.Queue, err)
	}

	conn.Send("MULTI")
	conn.Send("RPUSH", r.archiveKey(j.Queue), data)
	conn.Send("ZREM", r.leasedKey(j.Queue), j.ID)
	conn.Send("DEL", r.jobKey(j.ID))
	if _, err := conn.Do("EXEC"); err != nil {
		return errors.NewProviderError("archive", j.Queue, err)
	}

	return nil
}

// Delete acknowledges a job and removes its record permanently.
func (r *Provider) Delete(ctx context.Context, j *job.Job) error {
	if r.pool == nil {
		return errors.ErrNotConnected
	}

	conn := r.pool.Get()
	defer conn.Close()

	if err := r.checkLease(conn, j); err != nil {
		return err
	}

	conn.Send("MULTI")
	conn.Send("ZREM", r.leasedKey(j.Queue), j.ID)
	conn.Send("DEL", r.jobKey(j.ID))
	if _, err := conn.Do("EXEC"); err != nil {
		return errors.NewProviderError("delete", j.Queue, err)
	}

	return nil
}

// DeadLetter publishes the job on dlq wrapped with its failure record and
// acknowledges the original in the same transaction.
func (r *Provider) DeadLetter(ctx context.Context, dlq string, j *job.Job, failure job.Failure) error {
	if r.pool == nil {
		return errors.ErrNotConnected
	}

	conn := r.pool.Get()
	defer conn.Close()

	if err := r.checkQueue(conn, "dead-letter", dlq); err != nil {
		return err
	}
	if err := r.checkLease(conn, j); err != nil {
		return err
	}

	body, err := json.Marshal(job.NewDeadLetterEnvelope(j, failure))
	if err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	conn.Send("MULTI")
	conn.Send("HSET", r.jobKey(id),
		"queue", dlq,
		"payload", body,
		"attempt", 0,
		"enqueued_at", now.Format(time.RFC3339Nano))
	conn.Send("RPUSH", r.pendingKey(dlq), id)
	conn.Send("ZREM", r.leasedKey(j.Queue), j.ID)
	conn.Send("DEL", r.jobKey(j.ID))
	if _, err := conn.Do("EXEC"); err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}

	return nil
}

// Helper methods

// reap moves jobs with lapsed leases back to the head of the pending list.
func (r *Provider) reap(conn redis.Conn, queue string) error {
	now := leaseScore(time.Now())
	ids, err := redis.Strings(conn.Do("ZRANGEBYSCORE", r.leasedKey(queue), "-inf", now))
	if err != nil {
		return errors.NewProviderError("reap", queue, err)
	}

	for _, id := range ids {
		// ZREM doubles as the claim: whoever removes the member requeues it.
		removed, err := redis.Int(conn.Do("ZREM", r.leasedKey(queue), id))
		if err != nil {
			return errors.NewProviderError("reap", queue, err)
		}
		if removed == 0 {
			continue
		}
		if _, err := conn.Do("LPUSH", r.pendingKey(queue), id); err != nil {
			return errors.NewProviderError("reap", queue, err)
		}
	}
	return nil
}

// checkQueue verifies that a queue was created, caching positives.
func (r *Provider) checkQueue(conn redis.Conn, op, queue string) error {
	r.mu.RLock()
	known := r.known[queue]
	r.mu.RUnlock()
	if known {
		return nil
	}

	exists, err := redis.Bool(conn.Do("SISMEMBER", r.queuesKey(), queue))
	if err != nil {
		return errors.NewProviderError(op, queue, err)
	}
	if !exists {
		return errors.NewProviderError(op, queue, errors.ErrQueueNotFound)
	}

	r.mu.Lock()
	r.known[queue] = true
	r.mu.Unlock()
	return nil
}

// checkLease verifies that the job handle still owns its lease: the record
// must exist with a matching attempt and the job must still be leased.
func (r *Provider) checkLease(conn redis.Conn, j *job.Job) error {
	attempt, err := redis.Int(conn.Do("HGET", r.jobKey(j.ID), "attempt"))
	if err == redis.ErrNil {
		return errors.ErrLeaseExpired
	}
	if err != nil {
		return errors.NewProviderError("ack", j.Queue, err)
	}
	if attempt != j.Attempt {
		return errors.ErrLeaseExpired
	}

	score, err := conn.Do("ZSCORE", r.leasedKey(j.Queue), j.ID)
	if err != nil {
		return errors.NewProviderError("ack", j.Queue, err)
	}
	if score == nil {
		// Swept back to pending by the reaper.
		return errors.ErrLeaseExpired
	}
	return nil
}

// loadJob materializes a job handle from its hash record.
func (r *Provider) loadJob(conn redis.Conn, queue, id string) (*job.Job, error) {
	fields, err := redis.StringMap(conn.Do("HGETALL", r.jobKey(id)))
	if err != nil {
		return nil, errors.NewProviderError("load", queue, err)
	}
	if len(fields) == 0 {
		return nil, errors.NewProviderError("load", queue,
			fmt.Errorf("job %s: record missing", id))
	}

	attempt, _ := strconv.Atoi(fields["attempt"])
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, fields["enqueued_at"])

	return &job.Job{
		ID:         id,
		Queue:      queue,
		Payload:    []byte(fields["payload"]),
		Attempt:    attempt,
		EnqueuedAt: enqueuedAt,
		Receipt:    id,
	}, nil
}

func (r *Provider) queuesKey() string {
	return r.namespace + "queues"
}

func (r *Provider) pendingKey(queue string) string {
	return r.namespace + "queue:" + queue
}

func (r *Provider) leasedKey(queue string) string {
	return r.namespace + "leased:" + queue
}

func (r *Provider) archiveKey(queue string) string {
	return r.namespace + "archive:" + queue
}

func (r *Provider) jobKey(id string) string {
	return r.namespace + "job:" + id
}

// leaseScore encodes a deadline as a sorted-set score.
func leaseScore(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
