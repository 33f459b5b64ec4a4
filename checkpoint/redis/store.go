// Package redis provides a checkpoint store backed by Redis.
//
// Each thread's history is a list of JSON records; the list index doubles
// as the step id. The store runs over an injected connection pool so it can
// share one with the Redis queue provider.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/relayforge/agentq/checkpoint"
	"github.com/relayforge/agentq/errors"
)

// record is the JSON document stored per checkpoint.
type record struct {
	StepID       int64           `json:"step_id"`
	ParentStepID int64           `json:"parent_step_id"`
	State        json.RawMessage `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store implements checkpoint.Store on Redis.
//
// Step assignment reads the list length and appends, which is safe under
// the one-writer-per-thread model runs operate in; it is not safe for
// concurrent writers on the same thread.
type Store struct {
	pool      *redis.Pool
	namespace string
}

// New creates a store over an existing pool. The caller keeps ownership of
// the pool. An empty namespace defaults to "agentq:".
func New(pool *redis.Pool, namespace string) *Store {
	if namespace == "" {
		namespace = "agentq:"
	}
	return &Store{pool: pool, namespace: namespace}
}

// Save appends a snapshot and returns its step id.
func (s *Store) Save(ctx context.Context, threadID string, state []byte) (int64, error) {
	if threadID == "" {
		return 0, errors.ErrEmptyThreadID
	}

	conn := s.pool.Get()
	defer conn.Close()

	key := s.threadKey(threadID)
	length, err := redis.Int64(conn.Do("LLEN", key))
	if err != nil {
		return 0, errors.NewProviderError("checkpoint_save", threadID, err)
	}

	data, err := json.Marshal(record{
		StepID:       length + 1,
		ParentStepID: length,
		State:        json.RawMessage(state),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return 0, errors.NewProviderError("checkpoint_save", threadID, err)
	}

	if _, err := conn.Do("RPUSH", key, data); err != nil {
		return 0, errors.NewProviderError("checkpoint_save", threadID, err)
	}
	return length + 1, nil
}

// LoadLatest returns the most recent checkpoint, or (nil, nil).
func (s *Store) LoadLatest(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	return s.load(threadID, -1)
}

// LoadAt returns the checkpoint with the given step id, or (nil, nil).
func (s *Store) LoadAt(ctx context.Context, threadID string, stepID int64) (*checkpoint.Checkpoint, error) {
	if stepID < 1 {
		return nil, nil
	}
	return s.load(threadID, stepID-1)
}

func (s *Store) load(threadID string, index int64) (*checkpoint.Checkpoint, error) {
	conn := s.pool.Get()
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("LINDEX", s.threadKey(threadID), index))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewProviderError("checkpoint_load", threadID, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.NewProviderError("checkpoint_load", threadID, err)
	}

	return &checkpoint.Checkpoint{
		ThreadID:     threadID,
		StepID:       rec.StepID,
		ParentStepID: rec.ParentStepID,
		State:        []byte(rec.State),
		CreatedAt:    rec.CreatedAt,
	}, nil
}

func (s *Store) threadKey(threadID string) string {
	return s.namespace + "checkpoints:" + threadID
}
