package teams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/llm"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/tools"
)

// DefaultMaxIterations bounds the tool loop when no provider is set.
const DefaultMaxIterations = 6

const workerOutputPolicy = "Output policy:" +
	"- Do NOT produce explanations, summaries, or natural language results." +
	"- Call tools as needed; after all required tool calls are finished, return exactly: done" +
	"- If no tool call is needed, immediately return: done" +
	"- Never include anything other than: done"

// Runner executes a tool-driven worker until the model stops calling tools.
type Runner struct {
	llm           llm.Client
	registry      *tools.Registry
	model         string
	maxIterations func() int
	logger        *zap.Logger
}

// NewRunner creates a runner. maxIterations may be nil.
func NewRunner(client llm.Client, registry *tools.Registry, model string, maxIterations func() int, logger *zap.Logger) *Runner {
	if maxIterations == nil {
		maxIterations = func() int { return DefaultMaxIterations }
	}
	return &Runner{
		llm:           client,
		registry:      registry,
		model:         model,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

type callRecord struct {
	call    llm.ToolCall
	results []string
}

// Run executes w for assignment a and returns the serialized worker entry.
// Tool failures are folded into the entry; only model errors are returned.
func (r *Runner) Run(ctx context.Context, w *WorkerDef, a state.Assignment, env tools.Env) (state.Entry, error) {
	specs, err := r.registry.Specs(w.Tools)
	if err != nil {
		return state.Entry{}, err
	}

	start := llm.System(startMessage(w, a.Instruction))
	end := llm.System(endMessage(w))
	convo := []llm.Message{llm.User(a.Instruction)}

	var calls []*callRecord
	byID := map[string]*callRecord{}

	limit := r.maxIterations()
	if limit <= 0 {
		limit = DefaultMaxIterations
	}
	begun := time.Now()
	for i := 0; i < limit; i++ {
		msgs := make([]llm.Message, 0, len(convo)+2)
		msgs = append(msgs, start)
		msgs = append(msgs, convo...)
		msgs = append(msgs, end)

		resp, err := r.llm.Complete(ctx, llm.Request{
			Model:       r.model,
			Messages:    msgs,
			Temperature: llm.Temperature(0),
			Tools:       specs,
		})
		if err != nil {
			return state.Entry{}, fmt.Errorf("worker %s: %w", w.Name, err)
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		convo = append(convo, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			rec, ok := byID[tc.ID]
			if !ok || tc.ID == "" {
				rec = &callRecord{call: tc}
				calls = append(calls, rec)
				if tc.ID != "" {
					byID[tc.ID] = rec
				}
			}
			text, _ := r.registry.Invoke(ctx, env, tc.Name, tc.Arguments)
			rec.results = append(rec.results, text)
			convo = append(convo, llm.Message{Role: llm.RoleTool, Content: text, ToolCallID: tc.ID})
		}
	}

	r.logger.Debug("Worker finished",
		zap.String("worker", w.Name),
		zap.String("task_id", env.TaskID),
		zap.Int("tool_calls", len(calls)),
		zap.Duration("elapsed", time.Since(begun)))

	return state.NewEntry(state.Role(w.Name), serialize(env.TaskID, w.Name, calls)), nil
}

func startMessage(w *WorkerDef, instruction string) string {
	return strings.TrimSpace(w.Briefing) +
		"\nWork autonomously according to your specialty, using the tools available to you.\n" +
		" Do not ask for clarification.\n" +
		" Work only according to the instructions of the supervisor and do not ask questions arbitrarily.\n" +
		" Your other team members (and other teams) will collaborate with you with their own specialties.\n" +
		" You are chosen for a reason (" + instruction + ")!\n" +
		workerOutputPolicy
}

func endMessage(w *WorkerDef) string {
	return "Supervisor instructions: " + strings.TrimSpace(w.Briefing) + "\n" +
		"Remember, you individually can only use these tools: " + strings.Join(w.Tools, ", ") + " \n" +
		"Do not ask for clarification.\n" +
		"Work only according to the instructions of the supervisor and do not ask questions arbitrarily.\n" +
		"No storytelling, no greetings, no apologies, no marketing.\n" +
		"Final assistant text message MUST be exactly: done\n"
}

func serialize(taskID, worker string, calls []*callRecord) string {
	lines := []string{
		state.Tag(taskID, state.Role(worker)),
		"Tools called:",
	}
	if len(calls) == 0 {
		lines = append(lines, "- (No tools were called in this step)")
	}
	for _, c := range calls {
		args := c.call.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		lines = append(lines, "- tool name: "+c.call.Name)
		lines = append(lines, tools.IndentLines("args: "+tools.Pretty(args), 2))
		switch len(c.results) {
		case 0:
			lines = append(lines, tools.IndentLines("result: (no tool result received)", 2))
		case 1:
			lines = append(lines, tools.IndentLines("result: "+tools.Pretty(c.results[0]), 2))
		default:
			lines = append(lines, tools.IndentLines("result:", 2))
			for i, res := range c.results {
				lines = append(lines, tools.IndentLines(fmt.Sprintf("[%d] %s", i+1, tools.Pretty(res)), 4))
			}
		}
	}
	lines = append(lines, "", "These tool results are sufficient to solve the task.", "Done.")
	return strings.Join(lines, "\n")
}
