package react

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentq/agent"
)

func TestParseFinalAnswer(t *testing.T) {
	t.Run("marker at start", func(t *testing.T) {
		decision, err := Parse("Final Answer: 42")
		require.NoError(t, err)
		require.NotNil(t, decision.Answer)
		assert.Equal(t, "42", decision.Answer.Text)
		assert.Nil(t, decision.ToolCall)
	})

	t.Run("after reasoning lines", func(t *testing.T) {
		text := "Thought: I already know this.\nFinal Answer: the invoice is overdue"

		decision, err := Parse(text)
		require.NoError(t, err)
		require.NotNil(t, decision.Answer)
		assert.Equal(t, "the invoice is overdue", decision.Answer.Text)
	})

	t.Run("wins over an action", func(t *testing.T) {
		text := "Action: read_file\nAction Input: {\"path\": \"x.txt\"}\nFinal Answer: never mind, it is 7"

		decision, err := Parse(text)
		require.NoError(t, err)
		require.NotNil(t, decision.Answer)
		assert.Equal(t, "never mind, it is 7", decision.Answer.Text)
		assert.Nil(t, decision.ToolCall)
	})

	t.Run("empty answer is unparsable", func(t *testing.T) {
		_, err := Parse("Final Answer:   ")
		assert.ErrorIs(t, err, ErrUnparsable)
	})
}

func TestParseAction(t *testing.T) {
	t.Run("name and input", func(t *testing.T) {
		text := "Action: read_file\nAction Input: {\"path\": \"data/x.txt\"}"

		decision, err := Parse(text)
		require.NoError(t, err)
		require.NotNil(t, decision.ToolCall)
		assert.Equal(t, "read_file", decision.ToolCall.Name)
		assert.Equal(t, map[string]any{"path": "data/x.txt"}, decision.ToolCall.Input)
	})

	t.Run("multiline input object", func(t *testing.T) {
		text := strings.Join([]string{
			"Thought: need the open invoices.",
			"Action: query_db",
			"Action Input: {",
			`  "query": "select * from invoices where status = $1",`,
			`  "limit": 10,`,
			`  "filters": {"status": "open"}`,
			"}",
			"I expect a handful of rows.",
		}, "\n")

		decision, err := Parse(text)
		require.NoError(t, err)
		require.NotNil(t, decision.ToolCall)
		assert.Equal(t, "query_db", decision.ToolCall.Name)
		assert.Equal(t, map[string]any{
			"query":   "select * from invoices where status = $1",
			"limit":   float64(10),
			"filters": map[string]any{"status": "open"},
		}, decision.ToolCall.Input)
	})

	t.Run("no input marker", func(t *testing.T) {
		decision, err := Parse("Action: current_time")
		require.NoError(t, err)
		require.NotNil(t, decision.ToolCall)
		assert.Equal(t, "current_time", decision.ToolCall.Name)
		assert.Nil(t, decision.ToolCall.Input)
	})

	t.Run("name is the first line only", func(t *testing.T) {
		decision, err := Parse("Action: read_file\nbecause the answer lives in that file")
		require.NoError(t, err)
		require.NotNil(t, decision.ToolCall)
		assert.Equal(t, "read_file", decision.ToolCall.Name)
	})

	t.Run("empty name is unparsable", func(t *testing.T) {
		_, err := Parse("Action:\nAction Input: {}")
		assert.ErrorIs(t, err, ErrUnparsable)
	})
}

func TestParseMarkersMustStartALine(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"final answer mid-sentence", "I think the Final Answer: is 42"},
		{"action mid-sentence", "We could use Action: read_file here"},
		{"plain prose", "Let me think about this for a moment."},
		{"empty output", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			assert.ErrorIs(t, err, ErrUnparsable)
		})
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		_, err := Parse("Action: query_db\nAction Input: just run it")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a JSON object")
	})

	t.Run("json but not an object", func(t *testing.T) {
		_, err := Parse("Action: query_db\nAction Input: [1, 2, 3]")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a JSON object")
	})
}

func TestDeciderRendersPromptAndParses(t *testing.T) {
	var captured string
	complete := func(ctx context.Context, prompt string) (string, error) {
		captured = prompt
		return "Final Answer: done", nil
	}

	decider := NewDecider(complete)
	decision, err := decider.Decide(context.Background(), agent.Request{
		System: "you are terse",
		Tools:  []string{"read_file", "query_db"},
		Messages: []agent.Message{
			{Role: agent.RoleUser, Content: "what changed yesterday"},
			{Role: agent.RoleTool, Content: "error: no such file"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, decision.Answer)
	assert.Equal(t, "done", decision.Answer.Text)

	assert.Contains(t, captured, "you are terse")
	assert.Contains(t, captured, "Available actions: read_file, query_db")
	assert.Contains(t, captured, "user: what changed yesterday")
	assert.Contains(t, captured, "tool: error: no such file")
	assert.Contains(t, captured, "Final Answer: <text>")
}

func TestDeciderPropagatesCompletionError(t *testing.T) {
	decider := NewDecider(func(ctx context.Context, prompt string) (string, error) {
		return "", fmt.Errorf("model offline")
	})

	_, err := decider.Decide(context.Background(), agent.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model offline")
}
