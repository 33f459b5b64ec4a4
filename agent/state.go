package agent

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in the conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StepError records a recoverable failure from a reason or act step.
type StepError struct {
	Stage   string    `json:"stage"` // "reason" or "act"
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// State is the full record a machine operates on. It serializes to JSON so
// a checkpoint store can persist it between steps. Messages and Errors are
// append-only; Tools is the set of action names this state may invoke.
type State struct {
	ThreadID      string         `json:"thread_id,omitempty"`
	Messages      []Message      `json:"messages"`
	Tools         []string       `json:"tools,omitempty"`
	Iteration     int            `json:"iteration"`
	Errors        []StepError    `json:"errors,omitempty"`
	CurrentAction string         `json:"current_action,omitempty"`
	ActionInput   map[string]any `json:"action_input,omitempty"`
	ActionOutput  string         `json:"action_output,omitempty"`
	FinalAnswer   string         `json:"final_answer,omitempty"`
}

// NewState builds a fresh state seeded with the user's input.
func NewState(threadID, input string, tools []string) State {
	st := State{
		ThreadID: threadID,
		Tools:    tools,
	}
	if input != "" {
		st.AppendMessage(RoleUser, input)
	}
	return st
}

// AppendMessage adds a turn to the conversation log.
func (s *State) AppendMessage(role Role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

// AppendError records a recoverable step failure.
func (s *State) AppendError(stage, message string) {
	s.Errors = append(s.Errors, StepError{Stage: stage, Message: message, At: time.Now().UTC()})
}

func (s *State) permits(action string) bool {
	for _, name := range s.Tools {
		if name == action {
			return true
		}
	}
	return false
}

// EncodeState serializes a state for checkpointing.
func EncodeState(st State) ([]byte, error) {
	return json.Marshal(st)
}

// DecodeState restores a state from a checkpoint payload.
func DecodeState(data []byte) (State, error) {
	var st State
	err := json.Unmarshal(data, &st)
	return st, err
}
