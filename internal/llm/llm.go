// Package llm defines the language model capability used by the engine and a
// client backed by an OpenAI compatible endpoint.
package llm

import (
	"context"
	"errors"
)

// ErrNoChoices is returned when the model response carries no choices.
var ErrNoChoices = errors.New("llm: response has no choices")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolChoiceRequired forces the model to call at least one tool.
const ToolChoiceRequired = "required"

// Message is one chat message.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes a callable function and its JSON schema.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a chat completion request. ToolChoice is "", "required" or a
// tool name to force that tool.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	Tools       []ToolSpec
	ToolChoice  string
}

// Response is the first choice of a chat completion.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is the completion capability.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream delivers content deltas in order and returns the full text.
	Stream(ctx context.Context, req Request, onDelta func(string)) (string, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Temperature returns a pointer to t.
func Temperature(t float64) *float64 { return &t }
