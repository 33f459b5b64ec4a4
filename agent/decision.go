package agent

import "context"

// ToolCall is a decision to invoke a named action.
type ToolCall struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Answer is a decision to finish with a final answer.
type Answer struct {
	Text string `json:"text"`
}

// Decision is the tagged union a decider returns: exactly one of ToolCall
// or Answer should be set.
type Decision struct {
	ToolCall *ToolCall
	Answer   *Answer
}

// Request carries everything a decider may consider.
type Request struct {
	System   string
	Messages []Message
	Tools    []string
}

// Decider chooses the next move for a state. Implementations that parse
// free-form model output belong in an adapter (see agent/react); the
// machine only ever sees the structured Decision.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// DeciderFunc adapts a function into a Decider.
type DeciderFunc func(ctx context.Context, req Request) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}
