package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/relayforge/agentq/core"
)

// RunRequest is the job payload that starts or resumes an agent run.
type RunRequest struct {
	ThreadID string   `json:"thread_id"`
	Input    string   `json:"input"`
	Tools    []string `json:"tools,omitempty"`
}

// Processor adapts a machine into a queue processor, which is how runs
// execute in production: as job bodies under the worker's lease and retry
// discipline. A thread with a checkpoint resumes from it instead of
// restarting. Context cancellation propagates as the job error, so a
// redelivered job picks up from the last checkpoint.
func Processor(m *Machine) core.Processor {
	return func(ctx context.Context, payload []byte) error {
		var req RunRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode run request: %w", err)
		}

		st, err := m.startingState(ctx, req)
		if err != nil {
			return err
		}

		final, err := m.Run(ctx, st)
		if err != nil {
			return err
		}

		if final.FinalAnswer != "" {
			slog.Info("Agent run finished",
				"thread_id", final.ThreadID,
				"iteration", final.Iteration,
				"answer", final.FinalAnswer)
		} else {
			slog.Warn("Agent run ended without an answer",
				"thread_id", final.ThreadID,
				"iteration", final.Iteration,
				"errors", len(final.Errors))
		}
		return nil
	}
}

// startingState resumes a checkpointed thread or seeds a fresh state.
// An empty tool list in the request permits every registered action.
func (m *Machine) startingState(ctx context.Context, req RunRequest) (State, error) {
	if m.config.Store != nil && req.ThreadID != "" {
		cp, err := m.config.Store.LoadLatest(ctx, req.ThreadID)
		if err != nil {
			return State{}, err
		}
		if cp != nil {
			st, err := DecodeState(cp.State)
			if err != nil {
				return State{}, fmt.Errorf("decode checkpoint for thread %s: %w", req.ThreadID, err)
			}
			st.ThreadID = req.ThreadID
			slog.Info("Resuming thread from checkpoint",
				"thread_id", req.ThreadID,
				"step_id", cp.StepID,
				"iteration", st.Iteration)
			return st, nil
		}
	}

	permitted := req.Tools
	if len(permitted) == 0 {
		permitted = m.registry.List()
	}
	return NewState(req.ThreadID, req.Input, permitted), nil
}
