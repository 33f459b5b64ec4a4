// Package postgres provides a queue provider backed by PostgreSQL.
//
// Jobs are rows in agentq_jobs. A pop is a single UPDATE over a FOR UPDATE
// SKIP LOCKED subquery, so concurrent workers never claim the same row. The
// visibility window doubles as the lease: a popped row's visible_at moves
// past now, and redelivery is nothing more than the row becoming visible
// again once the lease lapses.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayforge/agentq/errors"
	"github.com/relayforge/agentq/job"
)

const (
	sqlCreateQueue = `insert into agentq_queues (name) values ($1) on conflict (name) do nothing`

	sqlQueueExists = `select exists(select 1 from agentq_queues where name = $1)`

	sqlSend = `insert into agentq_jobs (id, queue, payload) values ($1, $2, $3) returning id::text`

	sqlPop = `
with next as (
    select id
      from agentq_jobs
     where queue = $1
       and visible_at <= now()
     order by enqueued_at, id
       for update skip locked
     limit 1
)
update agentq_jobs j
   set attempt = attempt + 1,
       visible_at = now() + make_interval(secs => $2),
       lease_expires_at = now() + make_interval(secs => $2)
  from next
 where j.id = next.id
returning j.id::text, j.payload, j.attempt, j.enqueued_at, j.lease_expires_at`

	sqlRead = `
with batch as (
    select id
      from agentq_jobs
     where queue = $1
       and visible_at <= now()
     order by enqueued_at, id
       for update skip locked
     limit $3
)
update agentq_jobs j
   set visible_at = now() + make_interval(secs => $2),
       lease_expires_at = now() + make_interval(secs => $2)
  from batch
 where j.id = batch.id
returning j.id::text, j.payload, j.attempt, j.enqueued_at, j.lease_expires_at`

	sqlArchive = `
with del as (
    delete from agentq_jobs
     where id = $1::uuid
       and attempt = $2
       and lease_expires_at is not null
       and lease_expires_at > now()
 returning id, queue, payload, attempt, enqueued_at
)
insert into agentq_archive (id, queue, payload, attempt, enqueued_at, status, failure)
select id, queue, payload, attempt, enqueued_at, $3, $4 from del`

	sqlDelete = `
delete from agentq_jobs
 where id = $1::uuid
   and attempt = $2
   and lease_expires_at is not null
   and lease_expires_at > now()`
)

// Provider implements the queue contract for PostgreSQL.
type Provider struct {
	pool      *pgxpool.Pool
	options   Options
	ownedPool bool

	mu    sync.RWMutex
	known map[string]bool
}

// New creates a Postgres provider that opens its own connection pool on
// Connect.
func New(options Options) *Provider {
	return &Provider{
		options:   options,
		ownedPool: true,
		known:     make(map[string]bool),
	}
}

// NewWithPool creates a Postgres provider over an existing pool, for
// deployments that share one pool between the queue and other components.
// The caller keeps ownership of the pool.
func NewWithPool(pool *pgxpool.Pool, options Options) *Provider {
	return &Provider{
		pool:    pool,
		options: options,
		known:   make(map[string]bool),
	}
}

// Pool exposes the underlying connection pool so other components (like a
// checkpoint store) can share it.
func (p *Provider) Pool() *pgxpool.Pool {
	return p.pool
}

// Connect establishes the connection pool and verifies it with a ping,
// retrying with a linear backoff to ride out service startup ordering.
func (p *Provider) Connect(ctx context.Context) error {
	if p.pool != nil {
		if err := p.pool.Ping(ctx); err != nil {
			return errors.NewConnectionError(p.options.URI,
				fmt.Errorf("ping failed: %w", err))
		}
		return nil
	}

	cfg, err := pgxpool.ParseConfig(p.options.URI)
	if err != nil {
		return errors.NewConnectionError(p.options.URI,
			fmt.Errorf("invalid URI: %w", err))
	}
	cfg.MaxConns = p.options.MaxConns
	cfg.MinConns = p.options.MinConns
	cfg.HealthCheckPeriod = p.options.HealthCheckPeriod
	cfg.MaxConnIdleTime = p.options.MaxConnIdleTime
	cfg.MaxConnLifetime = p.options.MaxConnLifetime

	attempts := p.options.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				p.pool = pool
				return nil
			}
			pool.Close()
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(i+1) * p.options.RetryInterval)
	}

	return errors.NewConnectionError(p.options.URI,
		fmt.Errorf("failed to connect: %w", lastErr))
}

// Close closes the connection pool if this provider owns it.
func (p *Provider) Close() error {
	if p.pool != nil && p.ownedPool {
		p.pool.Close()
	}
	return nil
}

// Health checks the database connection health.
func (p *Provider) Health() error {
	if p.pool == nil {
		return errors.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.pool.Ping(ctx); err != nil {
		return errors.NewConnectionError(p.options.URI,
			fmt.Errorf("health check failed: %w", err))
	}
	return nil
}

// Type returns the provider type.
func (p *Provider) Type() string {
	return "postgres"
}

// CreateQueue registers a queue. Creating an existing queue is a no-op.
func (p *Provider) CreateQueue(ctx context.Context, name string) error {
	if name == "" {
		return errors.ErrEmptyQueueName
	}
	if p.pool == nil {
		return errors.ErrNotConnected
	}

	if _, err := p.pool.Exec(ctx, sqlCreateQueue, name); err != nil {
		return errors.NewProviderError("create_queue", name, err)
	}

	p.mu.Lock()
	p.known[name] = true
	p.mu.Unlock()
	return nil
}

// Send enqueues a payload and returns the assigned job ID.
func (p *Provider) Send(ctx context.Context, queue string, payload []byte) (string, error) {
	if p.pool == nil {
		return "", errors.ErrNotConnected
	}
	if err := p.checkQueue(ctx, "send", queue); err != nil {
		return "", err
	}

	var id string
	err := p.pool.QueryRow(ctx, sqlSend,
		uuid.NewString(), queue, json.RawMessage(payload)).Scan(&id)
	if err != nil {
		return "", errors.NewProviderError("send", queue, err)
	}
	return id, nil
}

// Pop claims a lease on the next visible job. Returns (nil, nil) when the
// queue is empty.
func (p *Provider) Pop(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	if p.pool == nil {
		return nil, errors.ErrNotConnected
	}
	if err := p.checkQueue(ctx, "pop", queue); err != nil {
		return nil, err
	}

	j := &job.Job{Queue: queue}
	var payload json.RawMessage
	err := p.pool.QueryRow(ctx, sqlPop, queue, lease.Seconds()).
		Scan(&j.ID, &payload, &j.Attempt, &j.EnqueuedAt, &j.LeaseExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewProviderError("pop", queue, err)
	}

	j.Payload = []byte(payload)
	j.Receipt = j.ID
	return j, nil
}

// Read returns up to limit visible jobs without consuming retry budget.
// The rows are hidden for the lease window but attempt stays untouched.
func (p *Provider) Read(ctx context.Context, queue string, lease time.Duration, limit int) ([]job.Job, error) {
	if p.pool == nil {
		return nil, errors.ErrNotConnected
	}
	if err := p.checkQueue(ctx, "read", queue); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, sqlRead, queue, lease.Seconds(), limit)
	if err != nil {
		return nil, errors.NewProviderError("read", queue, err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j := job.Job{Queue: queue}
		var payload json.RawMessage
		if err := rows.Scan(&j.ID, &payload, &j.Attempt, &j.EnqueuedAt, &j.LeaseExpiresAt); err != nil {
			return nil, errors.NewProviderError("read", queue, err)
		}
		j.Payload = []byte(payload)
		j.Receipt = j.ID
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewProviderError("read", queue, err)
	}
	return out, nil
}

// Archive acknowledges a job by moving its row into agentq_archive,
// recording failure diagnostics when given.
func (p *Provider) Archive(ctx context.Context, j *job.Job, failure *job.Failure) error {
	if p.pool == nil {
		return errors.ErrNotConnected
	}

	status := "ok"
	var failureJSON any
	if failure != nil {
		status = "error"
		data, err := json.Marshal(failure)
		if err != nil {
			return errors.NewProviderError("archive", j.Queue, err)
		}
		failureJSON = json.RawMessage(data)
	}

	tag, err := p.pool.Exec(ctx, sqlArchive, j.ID, j.Attempt, status, failureJSON)
	if err != nil {
		return errors.NewProviderError("archive", j.Queue, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrLeaseExpired
	}
	return nil
}

// Delete acknowledges a job and removes its row permanently.
func (p *Provider) Delete(ctx context.Context, j *job.Job) error {
	if p.pool == nil {
		return errors.ErrNotConnected
	}

	tag, err := p.pool.Exec(ctx, sqlDelete, j.ID, j.Attempt)
	if err != nil {
		return errors.NewProviderError("delete", j.Queue, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrLeaseExpired
	}
	return nil
}

// DeadLetter publishes the job on dlq wrapped with its failure record and
// removes the original, atomically.
func (p *Provider) DeadLetter(ctx context.Context, dlq string, j *job.Job, failure job.Failure) error {
	if p.pool == nil {
		return errors.ErrNotConnected
	}
	if err := p.checkQueue(ctx, "dead-letter", dlq); err != nil {
		return err
	}

	body, err := json.Marshal(job.NewDeadLetterEnvelope(j, failure))
	if err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, sqlSend, uuid.NewString(), dlq, json.RawMessage(body)).Scan(&id)
	if err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}

	tag, err := tx.Exec(ctx, sqlDelete, j.ID, j.Attempt)
	if err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrLeaseExpired
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.NewProviderError("dead-letter", dlq, err)
	}
	return nil
}

// checkQueue verifies that a queue was created, caching positives.
func (p *Provider) checkQueue(ctx context.Context, op, queue string) error {
	p.mu.RLock()
	known := p.known[queue]
	p.mu.RUnlock()
	if known {
		return nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, sqlQueueExists, queue).Scan(&exists); err != nil {
		return errors.NewProviderError(op, queue, err)
	}
	if !exists {
		return errors.NewProviderError(op, queue, errors.ErrQueueNotFound)
	}

	p.mu.Lock()
	p.known[queue] = true
	p.mu.Unlock()
	return nil
}
