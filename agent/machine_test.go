package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentq/checkpoint"
	"github.com/relayforge/agentq/errors"
	"github.com/relayforge/agentq/tools"
)

func testSetup(t *testing.T) {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	})))
}

// scriptedDecider plays back a fixed sequence of decisions, repeating the
// last entry once the script runs out, and records every request.
type scriptedDecider struct {
	mu       sync.Mutex
	script   []func(Request) (Decision, error)
	requests []Request
}

func (d *scriptedDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, req)
	step := len(d.requests) - 1
	if step >= len(d.script) {
		step = len(d.script) - 1
	}
	return d.script[step](req)
}

func (d *scriptedDecider) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *scriptedDecider) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

func answerWith(text string) func(Request) (Decision, error) {
	return func(Request) (Decision, error) {
		return Decision{Answer: &Answer{Text: text}}, nil
	}
}

func callTool(name string, input map[string]any) func(Request) (Decision, error) {
	return func(Request) (Decision, error) {
		return Decision{ToolCall: &ToolCall{Name: name, Input: input}}, nil
	}
}

func failWith(err error) func(Request) (Decision, error) {
	return func(Request) (Decision, error) {
		return Decision{}, err
	}
}

// answerFromObservation answers with the latest tool observation, the way a
// real decider folds results back into its reply.
func answerFromObservation() func(Request) (Decision, error) {
	return func(req Request) (Decision, error) {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == RoleTool {
				return Decision{Answer: &Answer{Text: "Observed: " + req.Messages[i].Content}}, nil
			}
		}
		return Decision{}, fmt.Errorf("nothing observed yet")
	}
}

// spyAction records executions so tests can assert whether validation let
// an input through.
type spyAction struct {
	mu       sync.Mutex
	name     string
	schema   tools.Schema
	output   string
	err      error
	panicMsg string
	calls    []map[string]any
}

func (a *spyAction) Name() string         { return a.name }
func (a *spyAction) Schema() tools.Schema { return a.schema }

func (a *spyAction) Execute(ctx context.Context, input map[string]any) (string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, input)
	a.mu.Unlock()

	if a.panicMsg != "" {
		panic(a.panicMsg)
	}
	return a.output, a.err
}

func (a *spyAction) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// recordingStore wraps the in-memory checkpoint store with save counting
// and error injection.
type recordingStore struct {
	inner   *checkpoint.MemoryStore
	mu      sync.Mutex
	saves   int
	saveErr error
	loadErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{inner: checkpoint.NewMemoryStore()}
}

func (s *recordingStore) Save(ctx context.Context, threadID string, state []byte) (int64, error) {
	s.mu.Lock()
	s.saves++
	err := s.saveErr
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return s.inner.Save(ctx, threadID, state)
}

func (s *recordingStore) LoadLatest(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return s.inner.LoadLatest(ctx, threadID)
}

func (s *recordingStore) LoadAt(ctx context.Context, threadID string, stepID int64) (*checkpoint.Checkpoint, error) {
	return s.inner.LoadAt(ctx, threadID, stepID)
}

func (s *recordingStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *recordingStore) SetSaveError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *recordingStore) SetLoadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

func echoAction() tools.Action {
	return tools.NewAction("echo",
		tools.Schema{Fields: []tools.Field{
			{Name: "text", Type: tools.TypeString, Kind: tools.KindPlain, Required: true},
		}},
		func(ctx context.Context, input map[string]any) (string, error) {
			return "echo: " + input["text"].(string), nil
		})
}

func TestMachineAnswersImmediately(t *testing.T) {
	testSetup(t)
	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		answerWith("42"),
	}}

	m := NewMachine(decider, tools.NewRegistry(), WithSystem("be brief"))
	final, err := m.Run(context.Background(), NewState("", "what is the answer", nil))
	require.NoError(t, err)

	assert.Equal(t, "42", final.FinalAnswer)
	assert.Equal(t, 0, final.Iteration)
	assert.Empty(t, final.Errors)

	require.Len(t, final.Messages, 2)
	assert.Equal(t, RoleUser, final.Messages[0].Role)
	assert.Equal(t, RoleAssistant, final.Messages[1].Role)
	assert.Equal(t, "42", final.Messages[1].Content)

	// The decider saw the system prompt and the transcript.
	reqs := decider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "be brief", reqs[0].System)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "what is the answer", reqs[0].Messages[0].Content)
}

func TestMachineRunsActionThenAnswers(t *testing.T) {
	testSetup(t)
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(echoAction()))

	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		callTool("echo", map[string]any{"text": "hi"}),
		answerFromObservation(),
	}}

	m := NewMachine(decider, registry)
	final, err := m.Run(context.Background(), NewState("", "please echo hi", []string{"echo"}))
	require.NoError(t, err)

	assert.Equal(t, "Observed: echo: hi", final.FinalAnswer)
	assert.Equal(t, "echo: hi", final.ActionOutput)
	assert.Equal(t, 1, final.Iteration)
	assert.Empty(t, final.Errors)
	assert.Empty(t, final.CurrentAction)

	roles := make([]Role, 0, len(final.Messages))
	for _, msg := range final.Messages {
		roles = append(roles, msg.Role)
	}
	assert.Equal(t, []Role{RoleUser, RoleAssistant, RoleTool, RoleAssistant}, roles)

	// The second request carried the observation back to the decider.
	reqs := decider.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []string{"echo"}, reqs[0].Tools)
	assert.Equal(t, "echo: hi", reqs[1].Messages[2].Content)
}

func TestMachineStopsAtIterationBudget(t *testing.T) {
	testSetup(t)
	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		failWith(fmt.Errorf("model unavailable")),
	}}

	m := NewMachine(decider, tools.NewRegistry(), WithMaxIterations(3))
	final, err := m.Run(context.Background(), NewState("", "hi", nil))
	require.NoError(t, err)

	assert.Empty(t, final.FinalAnswer)
	assert.Equal(t, 3, final.Iteration)
	assert.Equal(t, 3, decider.Calls())

	require.Len(t, final.Errors, 3)
	for _, stepErr := range final.Errors {
		assert.Equal(t, "reason", stepErr.Stage)
		assert.Contains(t, stepErr.Message, "model unavailable")
	}
}

// Reasoning that keeps picking an unavailable action burns one iteration
// per reason-act cycle and ends at the budget with the errors on record.
func TestMachineReasonActFailureCycles(t *testing.T) {
	testSetup(t)
	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		callTool("missing", nil),
	}}

	m := NewMachine(decider, tools.NewRegistry(), WithMaxIterations(3))
	final, err := m.Run(context.Background(), NewState("", "hi", nil))
	require.NoError(t, err)

	assert.Empty(t, final.FinalAnswer)
	assert.Equal(t, 3, final.Iteration)
	assert.Equal(t, 3, decider.Calls())

	require.Len(t, final.Errors, 3)
	for _, stepErr := range final.Errors {
		assert.Equal(t, "act", stepErr.Stage)
		assert.Contains(t, stepErr.Message, "unknown action")
	}

	// user + 3 cycles of (assistant action, tool error observation)
	assert.Len(t, final.Messages, 7)
}

// A long stream of failing iterations must end the run, never crash it.
func TestMachineSurvivesRepeatedFailures(t *testing.T) {
	testSetup(t)
	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		func(Request) (Decision, error) { panic("decider bug") },
	}}

	m := NewMachine(decider, tools.NewRegistry(), WithMaxIterations(120))
	final, err := m.Run(context.Background(), NewState("", "hi", nil))
	require.NoError(t, err)

	assert.Equal(t, 120, final.Iteration)
	assert.Len(t, final.Errors, 120)
	assert.Contains(t, final.Errors[0].Message, "decider panic")
}

func TestMachineRecoversFromDeciderPanic(t *testing.T) {
	testSetup(t)
	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		func(Request) (Decision, error) { panic("flaky") },
		answerWith("recovered"),
	}}

	m := NewMachine(decider, tools.NewRegistry())
	final, err := m.Run(context.Background(), NewState("", "hi", nil))
	require.NoError(t, err)

	assert.Equal(t, "recovered", final.FinalAnswer)
	assert.Equal(t, 1, final.Iteration)

	require.Len(t, final.Errors, 1)
	assert.Contains(t, final.Errors[0].Message, "decider panic: flaky")
}

func TestMachineRejectsEmptyDecision(t *testing.T) {
	testSetup(t)
	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		func(Request) (Decision, error) {
			// Neither branch populated.
			return Decision{Answer: &Answer{}}, nil
		},
	}}

	m := NewMachine(decider, tools.NewRegistry(), WithMaxIterations(1))
	final, err := m.Run(context.Background(), NewState("", "hi", nil))
	require.NoError(t, err)

	require.Len(t, final.Errors, 1)
	assert.Contains(t, final.Errors[0].Message, errors.ErrNoDecision.Error())
}

func TestMachineActionErrorBecomesObservation(t *testing.T) {
	testSetup(t)
	registry := tools.NewRegistry()
	spy := &spyAction{name: "read_file", err: fmt.Errorf("no such file")}
	require.NoError(t, registry.Register(spy))

	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		callTool("read_file", nil),
		answerFromObservation(),
	}}

	m := NewMachine(decider, registry)
	final, err := m.Run(context.Background(), NewState("", "hi", []string{"read_file"}))
	require.NoError(t, err)

	assert.Equal(t, 1, spy.CallCount())
	assert.Contains(t, final.ActionOutput, "no such file")
	assert.Contains(t, final.FinalAnswer, "error:")

	require.Len(t, final.Errors, 1)
	assert.Equal(t, "act", final.Errors[0].Stage)
}

func TestMachineContainsActionPanic(t *testing.T) {
	testSetup(t)
	registry := tools.NewRegistry()
	spy := &spyAction{name: "boom", panicMsg: "index out of range"}
	require.NoError(t, registry.Register(spy))

	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		callTool("boom", nil),
		answerFromObservation(),
	}}

	m := NewMachine(decider, registry)
	final, err := m.Run(context.Background(), NewState("", "hi", []string{"boom"}))
	require.NoError(t, err)

	assert.Equal(t, 1, spy.CallCount())
	assert.NotEmpty(t, final.FinalAnswer)

	require.Len(t, final.Errors, 1)
	assert.Contains(t, final.Errors[0].Message, "panic: index out of range")
}

// Input that fails validation must never reach Execute.
func TestMachineValidationBlocksExecution(t *testing.T) {
	testSetup(t)
	registry := tools.NewRegistry()
	spy := &spyAction{
		name: "read_file",
		schema: tools.Schema{Fields: []tools.Field{
			{Name: "path", Type: tools.TypeString, Kind: tools.KindPath, Required: true},
		}},
		output: "file contents",
	}
	require.NoError(t, registry.Register(spy))

	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		callTool("read_file", map[string]any{"path": "../../../../etc/passwd"}),
		answerFromObservation(),
	}}

	m := NewMachine(decider, registry)
	final, err := m.Run(context.Background(), NewState("", "hi", []string{"read_file"}))
	require.NoError(t, err)

	assert.Equal(t, 0, spy.CallCount(), "validation must block execution")
	assert.Contains(t, final.ActionOutput, "parent directory traversal")

	require.Len(t, final.Errors, 1)
	assert.Equal(t, "act", final.Errors[0].Stage)
}

func TestMachinePermitsGateActions(t *testing.T) {
	testSetup(t)

	t.Run("registered but not permitted", func(t *testing.T) {
		registry := tools.NewRegistry()
		spy := &spyAction{name: "echo"}
		require.NoError(t, registry.Register(spy))

		decider := &scriptedDecider{script: []func(Request) (Decision, error){
			callTool("echo", nil),
			answerFromObservation(),
		}}

		m := NewMachine(decider, registry)
		final, err := m.Run(context.Background(), NewState("", "hi", []string{"other"}))
		require.NoError(t, err)

		assert.Equal(t, 0, spy.CallCount())
		assert.Contains(t, final.ActionOutput, "unknown action")
	})

	t.Run("permitted but not registered", func(t *testing.T) {
		decider := &scriptedDecider{script: []func(Request) (Decision, error){
			callTool("ghost", nil),
			answerFromObservation(),
		}}

		m := NewMachine(decider, tools.NewRegistry())
		final, err := m.Run(context.Background(), NewState("", "hi", []string{"ghost"}))
		require.NoError(t, err)

		assert.Contains(t, final.ActionOutput, "unknown action")
	})
}

func TestMachineActionTimeout(t *testing.T) {
	testSetup(t)
	registry := tools.NewRegistry()
	slow := tools.NewAction("slow", tools.Schema{},
		func(ctx context.Context, input map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
	require.NoError(t, registry.Register(slow))

	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		callTool("slow", nil),
		answerFromObservation(),
	}}

	m := NewMachine(decider, registry, WithActTimeout(20*time.Millisecond))
	final, err := m.Run(context.Background(), NewState("", "hi", []string{"slow"}))
	require.NoError(t, err)

	require.Len(t, final.Errors, 1)
	assert.Contains(t, final.Errors[0].Message, "timed out")
	assert.Contains(t, final.ActionOutput, "slow")
}

func TestMachineCheckpointsEveryStep(t *testing.T) {
	testSetup(t)
	store := newRecordingStore()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(echoAction()))

	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		callTool("echo", map[string]any{"text": "hi"}),
		answerFromObservation(),
	}}

	m := NewMachine(decider, registry, WithCheckpoints(store))
	final, err := m.Run(context.Background(), NewState("thread-1", "please echo", []string{"echo"}))
	require.NoError(t, err)
	require.NotEmpty(t, final.FinalAnswer)

	// One checkpoint per step: reason, act, reason.
	assert.Equal(t, 3, store.Saves())
	assert.Equal(t, 3, store.inner.Steps("thread-1"))

	// The latest snapshot restores to exactly the final state.
	cp, err := store.LoadLatest(context.Background(), "thread-1")
	require.NoError(t, err)
	require.NotNil(t, cp)

	restored, err := DecodeState(cp.State)
	require.NoError(t, err)
	assert.Equal(t, final, restored)

	// Mid-run snapshots show the run in flight.
	mid, err := store.LoadAt(context.Background(), "thread-1", 2)
	require.NoError(t, err)
	require.NotNil(t, mid)

	pending, err := DecodeState(mid.State)
	require.NoError(t, err)
	assert.Equal(t, 1, pending.Iteration)
	assert.Empty(t, pending.FinalAnswer)
	assert.Equal(t, "echo: hi", pending.ActionOutput)
}

func TestMachineSkipsCheckpointsWithoutThreadID(t *testing.T) {
	testSetup(t)
	store := newRecordingStore()
	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		answerWith("done"),
	}}

	m := NewMachine(decider, tools.NewRegistry(), WithCheckpoints(store))
	_, err := m.Run(context.Background(), NewState("", "hi", nil))
	require.NoError(t, err)

	assert.Equal(t, 0, store.Saves())
}

func TestMachineToleratesCheckpointFailures(t *testing.T) {
	testSetup(t)
	store := newRecordingStore()
	store.SetSaveError(fmt.Errorf("store down"))

	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		failWith(fmt.Errorf("try again")),
		answerWith("done"),
	}}

	m := NewMachine(decider, tools.NewRegistry(), WithCheckpoints(store))
	final, err := m.Run(context.Background(), NewState("thread-1", "hi", nil))
	require.NoError(t, err)

	// The run finished despite every save failing.
	assert.Equal(t, "done", final.FinalAnswer)
	assert.Equal(t, 2, store.Saves())
	assert.Equal(t, 0, store.inner.Steps("thread-1"))
}

func TestMachineResume(t *testing.T) {
	testSetup(t)
	ctx := context.Background()

	t.Run("continues from the latest checkpoint", func(t *testing.T) {
		store := newRecordingStore()

		parked := NewState("thread-1", "original question", nil)
		parked.Iteration = 2
		data, err := EncodeState(parked)
		require.NoError(t, err)
		_, err = store.Save(ctx, "thread-1", data)
		require.NoError(t, err)

		decider := &scriptedDecider{script: []func(Request) (Decision, error){
			answerWith("resumed answer"),
		}}

		m := NewMachine(decider, tools.NewRegistry(), WithCheckpoints(store))
		final, err := m.Resume(ctx, "thread-1")
		require.NoError(t, err)

		assert.Equal(t, "resumed answer", final.FinalAnswer)
		assert.Equal(t, "thread-1", final.ThreadID)
		assert.Equal(t, 2, final.Iteration)

		// The resumed decider saw the original transcript.
		reqs := decider.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "original question", reqs[0].Messages[0].Content)

		// And the finishing step checkpointed on top of the history.
		assert.Equal(t, 2, store.inner.Steps("thread-1"))
	})

	t.Run("no store configured", func(t *testing.T) {
		m := NewMachine(&scriptedDecider{script: []func(Request) (Decision, error){
			answerWith("x"),
		}}, tools.NewRegistry())

		_, err := m.Resume(ctx, "thread-1")
		assert.ErrorIs(t, err, errors.ErrNoStore)
	})

	t.Run("empty thread id", func(t *testing.T) {
		m := NewMachine(&scriptedDecider{script: []func(Request) (Decision, error){
			answerWith("x"),
		}}, tools.NewRegistry(), WithCheckpoints(newRecordingStore()))

		_, err := m.Resume(ctx, "")
		assert.ErrorIs(t, err, errors.ErrEmptyThreadID)
	})

	t.Run("unknown thread", func(t *testing.T) {
		m := NewMachine(&scriptedDecider{script: []func(Request) (Decision, error){
			answerWith("x"),
		}}, tools.NewRegistry(), WithCheckpoints(newRecordingStore()))

		_, err := m.Resume(ctx, "ghost")
		assert.ErrorIs(t, err, errors.ErrNoCheckpoint)
	})
}

func TestMachineHonorsContextCancellation(t *testing.T) {
	testSetup(t)
	decider := &scriptedDecider{script: []func(Request) (Decision, error){
		answerWith("never reached"),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMachine(decider, tools.NewRegistry())
	st := NewState("", "hi", nil)
	final, err := m.Run(ctx, st)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, st, final)
	assert.Equal(t, 0, decider.Calls())
}
