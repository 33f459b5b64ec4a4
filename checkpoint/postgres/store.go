// Package postgres provides a checkpoint store backed by PostgreSQL.
//
// The store runs over an injected connection pool so it can share one with
// the Postgres queue provider.
package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayforge/agentq/checkpoint"
	"github.com/relayforge/agentq/errors"
)

const (
	sqlSave = `
insert into agentq_checkpoints (thread_id, step_id, parent_step_id, state)
select $1,
       coalesce(max(step_id), 0) + 1,
       coalesce(max(step_id), 0),
       $2
  from agentq_checkpoints
 where thread_id = $1
returning step_id`

	sqlLoadLatest = `
select thread_id, step_id, parent_step_id, state, created_at
  from agentq_checkpoints
 where thread_id = $1
 order by step_id desc
 limit 1`

	sqlLoadAt = `
select thread_id, step_id, parent_step_id, state, created_at
  from agentq_checkpoints
 where thread_id = $1
   and step_id = $2`
)

// Store implements checkpoint.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing pool. The caller keeps ownership of
// the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save appends a snapshot and returns its step id.
func (s *Store) Save(ctx context.Context, threadID string, state []byte) (int64, error) {
	if threadID == "" {
		return 0, errors.ErrEmptyThreadID
	}

	var stepID int64
	err := s.pool.QueryRow(ctx, sqlSave, threadID, json.RawMessage(state)).Scan(&stepID)
	if err != nil {
		return 0, errors.NewProviderError("checkpoint_save", threadID, err)
	}
	return stepID, nil
}

// LoadLatest returns the most recent checkpoint, or (nil, nil).
func (s *Store) LoadLatest(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	return s.load(ctx, sqlLoadLatest, threadID)
}

// LoadAt returns the checkpoint with the given step id, or (nil, nil).
func (s *Store) LoadAt(ctx context.Context, threadID string, stepID int64) (*checkpoint.Checkpoint, error) {
	return s.load(ctx, sqlLoadAt, threadID, stepID)
}

func (s *Store) load(ctx context.Context, query string, args ...any) (*checkpoint.Checkpoint, error) {
	threadID, _ := args[0].(string)

	var cp checkpoint.Checkpoint
	var state json.RawMessage
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&cp.ThreadID, &cp.StepID, &cp.ParentStepID, &state, &cp.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewProviderError("checkpoint_load", threadID, err)
	}

	cp.State = []byte(state)
	return &cp, nil
}
