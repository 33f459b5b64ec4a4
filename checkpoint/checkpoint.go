// Package checkpoint persists agent state snapshots keyed by thread.
//
// A thread's history is append-only: each save gets the next step id and
// points back at its parent, so any past state can be reloaded and a run
// can resume from wherever it last checkpointed. Snapshots are opaque JSON
// documents; the store never looks inside them.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is one saved snapshot of a thread's state.
type Checkpoint struct {
	ThreadID     string
	StepID       int64
	ParentStepID int64 // 0 for the first step of a thread
	State        []byte
	CreatedAt    time.Time
}

// Store is an append-only checkpoint history per thread.
type Store interface {
	// Save appends a snapshot and returns its step id. Step ids per thread
	// start at 1 and increase by one; prior snapshots are never mutated.
	Save(ctx context.Context, threadID string, state []byte) (int64, error)

	// LoadLatest returns the most recent checkpoint for the thread, or
	// (nil, nil) when the thread has none.
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// LoadAt returns the checkpoint with the given step id, or (nil, nil)
	// when it does not exist.
	LoadAt(ctx context.Context, threadID string, stepID int64) (*Checkpoint, error)
}
