// Package llmtest provides scripted fakes of the llm capability.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/aegis-agents/chatbot/internal/llm"
)

// ErrExhausted is returned when a queued fake has no responses left.
var ErrExhausted = errors.New("llmtest: no scripted response left")

// Fake answers completions from Handler, or from the Responses queue when
// Handler is nil. Stream splits StreamText into word deltas.
type Fake struct {
	mu         sync.Mutex
	Handler    func(req llm.Request) (*llm.Response, error)
	Responses  []*llm.Response
	StreamText string
	StreamErr  error
	requests   []llm.Request
}

// Complete implements llm.Client.
func (f *Fake) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handler := f.Handler
	if handler == nil {
		defer f.mu.Unlock()
		if len(f.Responses) == 0 {
			return nil, ErrExhausted
		}
		r := f.Responses[0]
		f.Responses = f.Responses[1:]
		return r, nil
	}
	f.mu.Unlock()
	return handler(req)
}

// Stream implements llm.Client.
func (f *Fake) Stream(_ context.Context, req llm.Request, onDelta func(string)) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	text, err := f.StreamText, f.StreamErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if w != "" && onDelta != nil {
			onDelta(w)
		}
	}
	return text, nil
}

// Requests returns a copy of every request seen so far.
func (f *Fake) Requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request{}, f.requests...)
}

// ToolCall builds a response with a single tool call.
func ToolCall(id, name, args string) *llm.Response {
	return &llm.Response{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

// Text builds a plain text response.
func Text(s string) *llm.Response {
	return &llm.Response{Content: s}
}

// SystemPrompt returns the first system message of req.
func SystemPrompt(req llm.Request) string {
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			return m.Content
		}
	}
	return ""
}

// Embedder returns the same vector for every input.
type Embedder struct {
	Vector []float32
	Err    error
}

// Embed implements llm.Embedder.
func (e Embedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = append([]float32{}, e.Vector...)
	}
	return out, nil
}
