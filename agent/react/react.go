// Package react adapts free-form "reason then act" model output into the
// structured decisions the agent machine consumes. All marker scraping
// lives here so the machine itself never inspects raw text.
package react

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/relayforge/agentq/agent"
)

const (
	finalAnswerMarker = "Final Answer:"
	actionMarker      = "Action:"
	inputMarker       = "Action Input:"
)

// ErrUnparsable is returned when the output carries no usable marker.
var ErrUnparsable = errors.New("react: output matched no marker")

// CompletionFunc produces the model's next turn for a rendered prompt.
type CompletionFunc func(ctx context.Context, prompt string) (string, error)

// Decider turns completions into decisions.
type Decider struct {
	complete CompletionFunc
}

// NewDecider wraps a completion function.
func NewDecider(complete CompletionFunc) *Decider {
	return &Decider{complete: complete}
}

func (d *Decider) Decide(ctx context.Context, req agent.Request) (agent.Decision, error) {
	text, err := d.complete(ctx, renderPrompt(req))
	if err != nil {
		return agent.Decision{}, err
	}
	return Parse(text)
}

// Parse extracts a decision from model output. "Final Answer:" wins over
// "Action:"; markers must start a line. The action input, when present,
// must be a JSON object; trailing text after the object is ignored.
func Parse(text string) (agent.Decision, error) {
	if idx := markerIndex(text, finalAnswerMarker); idx >= 0 {
		answer := strings.TrimSpace(text[idx+len(finalAnswerMarker):])
		if answer == "" {
			return agent.Decision{}, ErrUnparsable
		}
		return agent.Decision{Answer: &agent.Answer{Text: answer}}, nil
	}

	actionIdx := markerIndex(text, actionMarker)
	if actionIdx < 0 {
		return agent.Decision{}, ErrUnparsable
	}
	rest := text[actionIdx+len(actionMarker):]

	name := rest
	inputText := ""
	if inputIdx := markerIndex(rest, inputMarker); inputIdx >= 0 {
		name = rest[:inputIdx]
		inputText = strings.TrimSpace(rest[inputIdx+len(inputMarker):])
	}

	name = strings.TrimSpace(firstLine(name))
	if name == "" {
		return agent.Decision{}, ErrUnparsable
	}

	call := &agent.ToolCall{Name: name}
	if inputText != "" {
		var input map[string]any
		dec := json.NewDecoder(strings.NewReader(inputText))
		if err := dec.Decode(&input); err != nil {
			return agent.Decision{}, fmt.Errorf("react: action input is not a JSON object: %w", err)
		}
		call.Input = input
	}

	return agent.Decision{ToolCall: call}, nil
}

// markerIndex finds a marker that starts a line, or -1.
func markerIndex(text, marker string) int {
	if strings.HasPrefix(text, marker) {
		return 0
	}
	if i := strings.Index(text, "\n"+marker); i >= 0 {
		return i + 1
	}
	return -1
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

// renderPrompt flattens a request into the plain transcript format the
// completion endpoint expects.
func renderPrompt(req agent.Request) string {
	var b strings.Builder

	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}

	if len(req.Tools) > 0 {
		b.WriteString("Available actions: ")
		b.WriteString(strings.Join(req.Tools, ", "))
		b.WriteString("\n")
	}
	b.WriteString("Reply with either:\n")
	b.WriteString("Action: <name>\n")
	b.WriteString("Action Input: <json object>\n")
	b.WriteString("or:\n")
	b.WriteString("Final Answer: <text>\n\n")

	for _, msg := range req.Messages {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}

	return b.String()
}
