// Package agent implements a bounded reason-act loop over an opaque
// decider. Each step folds its outcome back into a State; step failures
// are recorded and recovered from, never thrown. With a checkpoint store
// configured, the state is persisted after every step so an interrupted
// run can resume where it stopped.
package agent

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"

	"github.com/relayforge/agentq/checkpoint"
	"github.com/relayforge/agentq/errors"
	"github.com/relayforge/agentq/tools"
)

// Phase is what the machine does next with a state.
type Phase string

const (
	PhaseReasoning Phase = "reasoning"
	PhaseActing    Phase = "acting"
	PhaseDone      Phase = "done"
)

// Machine drives states through reason and act steps until done.
type Machine struct {
	decider  Decider
	registry *tools.Registry
	config   *Config
}

// NewMachine creates a machine over a decider and an action registry.
func NewMachine(decider Decider, registry *tools.Registry, opts ...Option) *Machine {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	return &Machine{
		decider:  decider,
		registry: registry,
		config:   config,
	}
}

// Store returns the configured checkpoint store, or nil.
func (m *Machine) Store() checkpoint.Store {
	return m.config.Store
}

// Run steps the state until it reaches a terminal condition and returns
// the final state. The only error it returns is context cancellation;
// every step-level failure is folded into the state instead.
func (m *Machine) Run(ctx context.Context, st State) (State, error) {
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		phase := m.next(&st)
		if phase == PhaseDone {
			return st, nil
		}

		switch phase {
		case PhaseReasoning:
			m.reasonStep(ctx, &st)
		case PhaseActing:
			m.actStep(ctx, &st)
		}

		m.saveCheckpoint(ctx, &st)
	}
}

// Resume loads the latest checkpoint for a thread and continues its run.
func (m *Machine) Resume(ctx context.Context, threadID string) (State, error) {
	if m.config.Store == nil {
		return State{}, errors.ErrNoStore
	}
	if threadID == "" {
		return State{}, errors.ErrEmptyThreadID
	}

	cp, err := m.config.Store.LoadLatest(ctx, threadID)
	if err != nil {
		return State{}, err
	}
	if cp == nil {
		return State{}, errors.ErrNoCheckpoint
	}

	st, err := DecodeState(cp.State)
	if err != nil {
		return State{}, fmt.Errorf("decode checkpoint for thread %s: %w", threadID, err)
	}
	st.ThreadID = threadID

	slog.Info("Resuming thread",
		"thread_id", threadID,
		"step_id", cp.StepID,
		"iteration", st.Iteration)

	return m.Run(ctx, st)
}

// next decides the phase for a state. Terminal conditions win over
// pending work.
func (m *Machine) next(st *State) Phase {
	if st.FinalAnswer != "" {
		return PhaseDone
	}

	if st.Iteration >= m.config.MaxIterations {
		slog.Warn("Iteration budget exhausted",
			"thread_id", st.ThreadID,
			"iteration", st.Iteration,
			"max_iterations", m.config.MaxIterations)
		return PhaseDone
	}

	if st.CurrentAction != "" {
		return PhaseActing
	}

	return PhaseReasoning
}

// reasonStep asks the decider for the next move. A decider failure is
// recoverable: it is recorded, costs an iteration, and the loop
// re-reasons on the next pass.
func (m *Machine) reasonStep(ctx context.Context, st *State) {
	decision, err := m.decide(ctx, st)
	if err != nil {
		st.AppendError("reason", err.Error())
		st.Iteration++
		slog.Warn("Reasoning failed",
			"thread_id", st.ThreadID,
			"iteration", st.Iteration,
			"error", err)
		return
	}

	if decision.Answer != nil {
		st.FinalAnswer = decision.Answer.Text
		st.AppendMessage(RoleAssistant, decision.Answer.Text)
		return
	}

	st.CurrentAction = decision.ToolCall.Name
	st.ActionInput = decision.ToolCall.Input

	input, _ := json.Marshal(decision.ToolCall.Input)
	st.AppendMessage(RoleAssistant, fmt.Sprintf("Action: %s %s", decision.ToolCall.Name, input))
}

// decide calls the decider under the reason timeout and normalizes its
// result: exactly one branch of the union, with content, or an error.
func (m *Machine) decide(ctx context.Context, st *State) (decision Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decider panic: %v", r)
		}
	}()

	if m.config.ReasonTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ReasonTimeout)
		defer cancel()
	}

	decision, err = m.decider.Decide(ctx, Request{
		System:   m.config.System,
		Messages: st.Messages,
		Tools:    st.Tools,
	})
	if err != nil {
		return Decision{}, err
	}

	if decision.Answer != nil && decision.Answer.Text != "" {
		return decision, nil
	}
	if decision.ToolCall != nil && decision.ToolCall.Name != "" {
		return decision, nil
	}
	return Decision{}, errors.ErrNoDecision
}

// actStep executes the pending action and folds the observation into the
// state. Failures of any kind become error observations; the action slot
// is cleared either way so the loop re-reasons next.
func (m *Machine) actStep(ctx context.Context, st *State) {
	name := st.CurrentAction
	input := st.ActionInput
	st.CurrentAction = ""
	st.ActionInput = nil

	output, err := m.executeAction(ctx, st, name, input)
	if err != nil {
		st.AppendError("act", err.Error())
		output = fmt.Sprintf("error: %v", err)
		slog.Warn("Action failed",
			"thread_id", st.ThreadID,
			"action", name,
			"error", err)
	}

	st.ActionOutput = output
	st.AppendMessage(RoleTool, output)
	st.Iteration++
}

// executeAction resolves, validates, and runs one action. Validation
// failures never reach Execute.
func (m *Machine) executeAction(ctx context.Context, st *State, name string, input map[string]any) (output string, err error) {
	if !st.permits(name) {
		return "", fmt.Errorf("%w: %s", errors.ErrUnknownAction, name)
	}

	action, ok := m.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrUnknownAction, name)
	}

	if input == nil {
		input = map[string]any{}
	}
	if err := action.Schema().Validate(name, input); err != nil {
		slog.Warn("Action input rejected",
			"thread_id", st.ThreadID,
			"action", name,
			"error", err)
		return "", err
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.NewProcessorError("agent", st.ThreadID, fmt.Errorf("action %s panic: %v", name, r))
		}
	}()

	if m.config.ActTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ActTimeout)
		defer cancel()
	}

	output, err = action.Execute(ctx, input)
	if goerrors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("action %s: %w", name, errors.ErrTimeout)
	}
	return output, err
}

// saveCheckpoint persists the state after a step. A failed save is logged
// and swallowed: the step already happened, and losing one checkpoint
// only widens the window a resume has to replay.
func (m *Machine) saveCheckpoint(ctx context.Context, st *State) {
	if m.config.Store == nil || st.ThreadID == "" {
		return
	}

	data, err := EncodeState(*st)
	if err != nil {
		slog.Warn("Checkpoint encode failed", "thread_id", st.ThreadID, "error", err)
		return
	}

	if _, err := m.config.Store.Save(ctx, st.ThreadID, data); err != nil {
		slog.Warn("Checkpoint save failed", "thread_id", st.ThreadID, "error", err)
	}
}
