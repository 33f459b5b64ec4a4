package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/agentq/errors"
)

// MemoryStore keeps checkpoint histories in process memory. It backs tests
// and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]Checkpoint),
	}
}

// Save appends a snapshot and returns its step id.
func (s *MemoryStore) Save(ctx context.Context, threadID string, state []byte) (int64, error) {
	if threadID == "" {
		return 0, errors.ErrEmptyThreadID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.threads[threadID]
	stepID := int64(len(history)) + 1

	snapshot := make([]byte, len(state))
	copy(snapshot, state)

	s.threads[threadID] = append(history, Checkpoint{
		ThreadID:     threadID,
		StepID:       stepID,
		ParentStepID: stepID - 1,
		State:        snapshot,
		CreatedAt:    time.Now().UTC(),
	})
	return stepID, nil
}

// LoadLatest returns the most recent checkpoint, or (nil, nil).
func (s *MemoryStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.threads[threadID]
	if len(history) == 0 {
		return nil, nil
	}
	return copyCheckpoint(history[len(history)-1]), nil
}

// LoadAt returns the checkpoint with the given step id, or (nil, nil).
func (s *MemoryStore) LoadAt(ctx context.Context, threadID string, stepID int64) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.threads[threadID]
	if stepID < 1 || stepID > int64(len(history)) {
		return nil, nil
	}
	return copyCheckpoint(history[stepID-1]), nil
}

// Steps returns how many checkpoints a thread has.
func (s *MemoryStore) Steps(threadID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads[threadID])
}

// copyCheckpoint detaches a checkpoint from the store's backing memory.
func copyCheckpoint(cp Checkpoint) *Checkpoint {
	out := cp
	out.State = make([]byte, len(cp.State))
	copy(out.State, cp.State)
	return &out
}
