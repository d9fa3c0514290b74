// Package supervisor decides which workers act next and when a turn is done.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/llm"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/teams"
)

// ErrMalformedDecision is returned when the model does not produce a usable
// route call.
var ErrMalformedDecision = errors.New("supervisor: malformed routing decision")

const (
	routeToolName = "route"
	// noTool is what the model sends for workers that call no tools.
	noTool = "none"
)

// Decision is the routing result of one supervisor step.
type Decision struct {
	Language   string             `json:"language"`
	Reasoning  string             `json:"reasoning"`
	Finish     bool               `json:"finish"`
	OutOfScope bool               `json:"outOfScope,omitempty"`
	Actions    []state.Assignment `json:"actions"`
}

// Outcome labels which normalization rule settled the decision.
type Outcome string

const (
	OutcomeContinue   Outcome = "continue"
	OutcomeFinish     Outcome = "finish"
	OutcomeRepeat     Outcome = "repeat"
	OutcomePending    Outcome = "confirmation_pending"
	OutcomeOutOfScope Outcome = "out_of_scope"
)

var (
	conversationCall = regexp.MustCompile(`(?m)^- tool name: (deposit|withdraw|change_strategy|change_smart_account)\s*$`)
	mutatingIntent   = regexp.MustCompile(`(?i)deposit|withdraw|smart[\s_-]*account|(change|switch|update|modify|set)\b.*\bstrateg|strateg\w*\s+(change|switch|update)`)
	spaces           = regexp.MustCompile(`\s+`)
)

// Supervisor calls the model with the route tool and normalizes its answer.
type Supervisor struct {
	llm     llm.Client
	catalog *teams.Catalog
	model   string
	logger  *zap.Logger
}

// New creates a supervisor over catalog.
func New(client llm.Client, catalog *teams.Catalog, model string, logger *zap.Logger) *Supervisor {
	return &Supervisor{llm: client, catalog: catalog, model: model, logger: logger}
}

// Decide asks the model for the next step and applies the deterministic
// routing rules. The returned update appends the supervisor entry and sets
// language, shouldFinish and actions.
func (s *Supervisor) Decide(ctx context.Context, st *state.TaskState) (*Decision, state.Update, error) {
	window := st.EvidenceWindow()

	msgs := []llm.Message{llm.System(systemPrompt(s.catalog))}
	for _, e := range window {
		if e.Role == state.RoleUser {
			msgs = append(msgs, llm.User(e.Content))
		} else {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: e.Content})
		}
	}
	msgs = append(msgs,
		llm.System(contextPrompt(st, s.catalog)),
		llm.System(routingPrompt(st.TaskID, s.catalog)),
	)

	start := time.Now()
	resp, err := s.llm.Complete(ctx, llm.Request{
		Model:       s.model,
		Messages:    msgs,
		Temperature: llm.Temperature(0),
		Tools:       []llm.ToolSpec{routeTool(s.catalog)},
		ToolChoice:  routeToolName,
	})
	if err != nil {
		metrics.RecordLLMMetrics("supervisor", s.model, "error", time.Since(start).Seconds())
		return nil, state.Update{}, fmt.Errorf("supervisor model call: %w", err)
	}
	metrics.RecordLLMMetrics("supervisor", s.model, "ok", time.Since(start).Seconds())

	d, err := s.parse(resp)
	if err != nil {
		return nil, state.Update{}, err
	}

	outcome := Normalize(d, window, s.catalog)
	metrics.SupervisorDecisions.WithLabelValues(string(outcome)).Inc()
	s.logger.Debug("Supervisor decided",
		zap.String("task_id", st.TaskID),
		zap.String("outcome", string(outcome)),
		zap.Int("actions", len(d.Actions)))

	body, _ := json.MarshalIndent(d, "", "  ")
	u := state.Update{
		Append:       []state.Entry{state.NewEntry(state.RoleSupervisor, state.Tag(st.TaskID, state.RoleSupervisor)+" "+string(body))},
		ShouldFinish: state.Bool(d.Finish),
		Actions:      state.Assignments(d.Actions),
	}
	if d.Language != "" {
		u.Language = state.String(d.Language)
	}
	return d, u, nil
}

func (s *Supervisor) parse(resp *llm.Response) (*Decision, error) {
	var call *llm.ToolCall
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == routeToolName {
			call = &resp.ToolCalls[i]
			break
		}
	}
	if call == nil {
		return nil, fmt.Errorf("%w: no %s call", ErrMalformedDecision, routeToolName)
	}
	var d Decision
	if err := json.Unmarshal([]byte(call.Arguments), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	for i := range d.Actions {
		a := &d.Actions[i]
		w, err := s.catalog.Worker(a.Team, a.Worker)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", teams.ErrUnknownWorker, err)
		}
		if a.Tool == noTool || (a.Tool != "" && !w.HasTool(a.Tool)) {
			a.Tool, a.Args = "", nil
		}
	}
	return &d, nil
}

// Normalize applies the routing rules to d in place and reports which rule
// settled it. window is the evidence window of the current task.
func Normalize(d *Decision, window []state.Entry, catalog *teams.Catalog) Outcome {
	finish := func(o Outcome) Outcome {
		d.Finish = true
		d.Actions = []state.Assignment{}
		return o
	}

	if len(d.Actions) > 0 {
		d.Finish = false
	}

	kept := make([]state.Assignment, 0, len(d.Actions))
	mutating := false
	for _, a := range d.Actions {
		if isMutating(a, catalog) {
			if mutating {
				continue
			}
			mutating = true
		}
		kept = append(kept, a)
	}
	d.Actions = kept

	if len(d.Actions) > 0 {
		seen := previousWork(window, catalog)
		fresh := d.Actions[:0]
		for _, a := range d.Actions {
			if !seen.covers(a) {
				fresh = append(fresh, a)
			}
		}
		if len(fresh) == 0 {
			return finish(OutcomeRepeat)
		}
		d.Actions = fresh
	}

	if conversationCardSent(window, catalog) {
		return finish(OutcomePending)
	}
	if d.OutOfScope {
		return finish(OutcomeOutOfScope)
	}
	if len(d.Actions) == 0 {
		return finish(OutcomeFinish)
	}
	d.Finish = false
	return OutcomeContinue
}

func isMutating(a state.Assignment, catalog *teams.Catalog) bool {
	w, err := catalog.Worker(a.Team, a.Worker)
	if err != nil || !w.OwnsConversationTool() {
		return false
	}
	return mutatingIntent.MatchString(a.Instruction)
}

func conversationCardSent(window []state.Entry, catalog *teams.Catalog) bool {
	for _, e := range window {
		if catalog.IsWorker(e.Role) && conversationCall.MatchString(e.Content) {
			return true
		}
	}
	return false
}

// workSet holds what the current task already asked for or ran.
type workSet map[string]struct{}

// covers reports whether a repeats earlier work, either by instruction or,
// when a names a tool, by the same tool call.
func (w workSet) covers(a state.Assignment) bool {
	if _, ok := w[instructionKey(a)]; ok {
		return true
	}
	if a.Tool == "" {
		return false
	}
	_, ok := w[callKey(a.Worker, a.Tool, a.Args)]
	return ok
}

// previousWork collects the assignments of earlier supervisor entries and the
// tool calls recorded in worker entries of window.
func previousWork(window []state.Entry, catalog *teams.Catalog) workSet {
	seen := workSet{}
	for _, e := range window {
		switch {
		case e.Role == state.RoleSupervisor:
			i := strings.Index(e.Content, "{")
			if i < 0 {
				continue
			}
			var prior Decision
			if err := json.Unmarshal([]byte(e.Content[i:]), &prior); err != nil {
				continue
			}
			for _, a := range prior.Actions {
				seen[instructionKey(a)] = struct{}{}
				if a.Tool != "" {
					seen[callKey(a.Worker, a.Tool, a.Args)] = struct{}{}
				}
			}
		case catalog.IsWorker(e.Role):
			for _, c := range calledTools(e.Content) {
				seen[callKey(string(e.Role), c.name, c.args)] = struct{}{}
			}
		}
	}
	return seen
}

type toolCall struct {
	name string
	args string
}

// calledTools reads the "- tool name:" and "args:" lines of a serialized
// worker entry. Multi-line args are joined until they form valid JSON.
func calledTools(content string) []toolCall {
	lines := strings.Split(content, "\n")
	var out []toolCall
	for i, line := range lines {
		name, ok := strings.CutPrefix(line, "- tool name: ")
		if !ok {
			continue
		}
		call := toolCall{name: strings.TrimSpace(name)}
		if i+1 < len(lines) {
			if args, ok := strings.CutPrefix(strings.TrimSpace(lines[i+1]), "args: "); ok {
				for j := i + 2; j < len(lines) && !json.Valid([]byte(args)); j++ {
					next := strings.TrimSpace(lines[j])
					if strings.HasPrefix(next, "result:") || strings.HasPrefix(next, "- tool name: ") {
						break
					}
					args += "\n" + lines[j]
				}
				call.args = args
			}
		}
		out = append(out, call)
	}
	return out
}

func instructionKey(a state.Assignment) string {
	return "instruction\x00" + a.Team + "\x00" + a.Worker + "\x00" + normalizeInstruction(a.Instruction)
}

// callKey identifies a tool call. Worker entries carry only the worker role,
// so the team is not part of the key.
func callKey(worker, tool string, args any) string {
	return "call\x00" + worker + "\x00" + tool + "\x00" + canonicalArgs(args)
}

// canonicalArgs renders args as compact JSON with sorted keys. Missing, empty
// and null args all read as {}.
func canonicalArgs(args any) string {
	raw, ok := args.(string)
	if !ok {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Sprint(args)
		}
		raw = string(b)
	}
	raw = strings.TrimSpace(raw)
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		if raw == "" {
			return "{}"
		}
		return raw
	}
	if parsed == nil {
		return "{}"
	}
	b, err := json.Marshal(parsed)
	if err != nil {
		return raw
	}
	return string(b)
}

func normalizeInstruction(s string) string {
	s = spaces.ReplaceAllString(strings.ToLower(s), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

func routeTool(c *teams.Catalog) llm.ToolSpec {
	return llm.ToolSpec{
		Name:        routeToolName,
		Description: "Select the next roles and their instructions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "The language the user is speaking, e.g. English, Chinese, Japanese.",
				},
				"reasoning": map[string]any{
					"type":        "string",
					"description": "Brief reasoning for the routing decision, written in the user's language. Do not mention teams or workers.",
				},
				"finish": map[string]any{
					"type":        "boolean",
					"description": "True when the workflow should finish.",
				},
				"outOfScope": map[string]any{
					"type":        "boolean",
					"description": "True when the request is unrelated to the Aegis Agents project or blockchain web3.",
				},
				"actions": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"team":        map[string]any{"type": "string", "enum": c.TeamNames()},
							"worker":      map[string]any{"type": "string", "enum": c.WorkerNames()},
							"instruction": map[string]any{"type": "string", "description": "Instruction for the worker, in English."},
							"tool": map[string]any{
								"type":        "string",
								"enum":        append(c.ToolNames(), noTool),
								"description": "The tool the worker is expected to call, or \"none\" for workers without tools.",
							},
							"args": map[string]any{
								"type":        "object",
								"description": "Parameters of that tool call, e.g. {\"instrumentId\": 3}. Empty when it takes none.",
							},
						},
						"required": []string{"team", "worker", "instruction", "tool"},
					},
				},
			},
			"required": []string{"language", "reasoning", "finish", "actions"},
		},
	}
}
