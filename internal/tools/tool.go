// Package tools holds the capabilities workers can call. Every tool is
// resolved once at startup into a name, a JSON schema and an invoke function.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/llm"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/state"
)

var (
	ErrUnknownTool      = errors.New("tools: unknown tool")
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

// CardSink receives cards as soon as a tool produces them.
type CardSink interface {
	DashboardCard(card state.Card)
	ConversationCard(card state.Card)
}

// Env is the per-call context handed to a tool.
type Env struct {
	UserID string
	TaskID string
	Cards  CardSink
}

// Invoker runs a tool with raw JSON arguments and returns the result text.
type Invoker func(ctx context.Context, env Env, args json.RawMessage) (string, error)

// Tool is one callable capability.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	// FailurePrefix is prepended to the error text when Invoke fails.
	FailurePrefix string
	Invoke        Invoker
}

// Spec returns the model facing description of the tool.
func (t *Tool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Schema}
}

type compiled struct {
	tool   *Tool
	schema *jsonschema.Schema
}

// Registry resolves tool names to compiled tools.
type Registry struct {
	tools  map[string]compiled
	logger *zap.Logger
}

// NewRegistry compiles every tool schema. Duplicate names are an error.
func NewRegistry(logger *zap.Logger, tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]compiled, len(tools)), logger: logger}
	for i := range tools {
		t := tools[i]
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		sch, err := CompileSchema(t.Name, t.Schema)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t.Name, err)
		}
		r.tools[t.Name] = compiled{tool: &t, schema: sch}
	}
	return r, nil
}

// Get returns the tool named name.
func (r *Registry) Get(name string) (*Tool, bool) {
	c, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return c.tool, true
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Specs returns model specs for names, in the given order.
func (r *Registry) Specs(names []string) ([]llm.ToolSpec, error) {
	out := make([]llm.ToolSpec, 0, len(names))
	for _, n := range names {
		c, ok := r.tools[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, n)
		}
		out = append(out, c.tool.Spec())
	}
	return out, nil
}

// Invoke validates args and runs the tool. Failures are returned as result
// text so a worker loop can keep going; err is non-nil only for logging.
func (r *Registry) Invoke(ctx context.Context, env Env, name, args string) (string, error) {
	c, ok := r.tools[name]
	if !ok {
		metrics.ToolCalls.WithLabelValues(name, "unknown").Inc()
		err := fmt.Errorf("%w: %s", ErrUnknownTool, name)
		return fmt.Sprintf("Tool %s Failed. %v", name, err), err
	}
	raw := json.RawMessage(args)
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := ValidateArgs(c.schema, raw); err != nil {
		metrics.ToolCalls.WithLabelValues(name, "invalid").Inc()
		err = fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		return c.tool.failure(err), err
	}

	start := time.Now()
	text, err := c.tool.Invoke(ctx, env, raw)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(name, "error").Inc()
		r.logger.Warn("Tool failed",
			zap.String("tool", name),
			zap.String("task_id", env.TaskID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return c.tool.failure(err), err
	}
	metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	return text, nil
}

func (t *Tool) failure(err error) string {
	prefix := t.FailurePrefix
	if prefix == "" {
		prefix = fmt.Sprintf("Tool %s Failed.", t.Name)
	}
	return fmt.Sprintf("%s %v", prefix, err)
}

// decode unmarshals args into v.
func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
