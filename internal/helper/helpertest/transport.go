// Package helpertest provides an in-memory helper transport for tests.
package helpertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aegis-agents/chatbot/internal/helper"
)

// Call records one request.
type Call struct {
	Subject helper.Subject
	Body    map[string]any
}

// Transport replies with scripted values keyed by subject.
type Transport struct {
	mu       sync.Mutex
	replies  map[helper.Subject]func(body map[string]any) (any, error)
	calls    []Call
	Blocking bool
}

// New returns an empty transport.
func New() *Transport {
	return &Transport{replies: make(map[helper.Subject]func(map[string]any) (any, error))}
}

// On scripts a fixed reply for subject. reply is JSON encoded.
func (t *Transport) On(subject helper.Subject, reply any) *Transport {
	return t.OnFunc(subject, func(map[string]any) (any, error) { return reply, nil })
}

// OnFunc scripts a reply computed from the decoded request.
func (t *Transport) OnFunc(subject helper.Subject, fn func(body map[string]any) (any, error)) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies[subject] = fn
	return t
}

// Request implements helper.Transport.
func (t *Transport) Request(ctx context.Context, subject helper.Subject, body []byte) ([]byte, error) {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.calls = append(t.calls, Call{Subject: subject, Body: decoded})
	fn, ok := t.replies[subject]
	blocking := t.Blocking
	t.mu.Unlock()

	if blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("helpertest: no reply scripted for %s", subject)
	}
	reply, err := fn(decoded)
	if err != nil {
		return nil, err
	}
	return json.Marshal(reply)
}

// Calls returns the recorded requests for subject, or all when subject is "".
func (t *Transport) Calls(subject helper.Subject) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for _, c := range t.calls {
		if subject == "" || c.Subject == subject {
			out = append(out, c)
		}
	}
	return out
}
