package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aegis-agents/chatbot/internal/actions"
	"github.com/aegis-agents/chatbot/internal/llm"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/tools"
)

func (r *run) init(context.Context) (state.Update, error) {
	taskID := newTaskID()
	u := state.Update{TaskID: state.String(taskID), ShouldFinish: state.Bool(false)}
	if r.st.UserInput != "" {
		u.Append = []state.Entry{
			state.NewEntry(state.RoleSystem, state.StartedMarker(taskID, time.Now())),
			state.NewEntry(state.RoleUser, state.Tag(taskID, state.RoleUser)+r.st.UserInput),
		}
	}
	return u, nil
}

func (r *run) handleUserAction(ctx context.Context) (state.Update, error) {
	a := r.st.UserAction
	if a == nil {
		return state.Update{}, nil
	}
	ack, err := r.e.actions.Handle(ctx, r.turn.UserID, a)
	if err != nil {
		return state.Update{}, err
	}
	taskID := r.st.TaskID
	return state.Update{
		Append: []state.Entry{
			state.NewEntry(state.RoleSystem, state.StartedMarker(taskID, time.Now())),
			state.NewEntry(state.RoleSystem, state.Tag(taskID, state.RoleSystem)+" "+ack),
		},
		ClearUserAction: true,
		ShouldFinish:    state.Bool(true),
	}, nil
}

func (r *run) handleDirectRequest(context.Context) (state.Update, error) {
	req := r.st.UserDirectRequest
	if req == nil {
		return state.Update{ClearDirectRequest: true, ShouldFinish: state.Bool(false)}, nil
	}
	card, err := actions.DirectCard(req)
	if err != nil {
		return state.Update{}, err
	}
	r.sink.ConversationCard(card)
	return state.Update{
		ClearDirectRequest:  true,
		LastGeneratorResult: state.String(""),
		ShouldFinish:        state.Bool(true),
	}, nil
}

func (r *run) supervise(ctx context.Context) (state.Update, error) {
	d, u, err := r.e.router.Decide(ctx, r.st)
	if err != nil {
		return state.Update{}, err
	}
	r.sink.Reasoning(d.Reasoning)
	return u, nil
}

// dispatch runs every assignment concurrently and appends their entries in
// assignment order once all have returned.
func (r *run) dispatch(ctx context.Context) (state.Update, error) {
	assignments := append([]state.Assignment{}, r.st.Actions...)
	entries := make([]state.Entry, len(assignments))
	env := tools.Env{UserID: r.turn.UserID, TaskID: r.st.TaskID, Cards: r.sink}

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assignments {
		g.Go(func() error {
			entry, err := r.e.dispatcher.Dispatch(gctx, a, env)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return state.Update{}, err
	}
	return state.Update{Append: entries}, nil
}

func (r *run) generate(ctx context.Context) (state.Update, error) {
	start := time.Now()
	text, err := r.e.llm.Stream(ctx, llm.Request{
		Model:       r.e.model,
		Messages:    []llm.Message{llm.System(generatorPrompt(r.st, r.e.catalog))},
		Temperature: llm.Temperature(0.6),
	}, r.sink.GeneratorDelta)
	if err != nil {
		metrics.RecordLLMMetrics("generator", r.e.model, "error", time.Since(start).Seconds())
		return state.Update{}, fmt.Errorf("generator: %w", err)
	}
	metrics.RecordLLMMetrics("generator", r.e.model, "ok", time.Since(start).Seconds())
	return state.Update{
		Append: []state.Entry{state.NewEntry(state.RoleGenerator,
			state.Tag(r.st.TaskID, state.RoleGenerator)+" "+text)},
		LastGeneratorResult: state.String(text),
	}, nil
}

// postReply runs the suggester and the compaction concurrently and merges
// both updates once they are done. Neither failure fails the turn.
func (r *run) postReply(ctx context.Context) (state.Update, error) {
	var suggest, summarize state.Update
	var g errgroup.Group
	g.Go(func() error {
		suggest = r.suggest(ctx)
		return nil
	})
	g.Go(func() error {
		summarize = r.summarize(ctx)
		return nil
	})
	_ = g.Wait()

	r.sink.Suggestions(*suggest.Suggestions)
	return state.Combine(suggest, summarize), nil
}

func (r *run) suggest(ctx context.Context) state.Update {
	empty := state.Update{Suggestions: state.Strings([]string{})}
	start := time.Now()
	resp, err := r.e.llm.Complete(ctx, llm.Request{
		Model:       r.e.model,
		Messages:    []llm.Message{llm.System(suggesterPrompt(r.st, r.e.catalog))},
		Temperature: llm.Temperature(0),
		Tools:       []llm.ToolSpec{suggestTool},
		ToolChoice:  suggestToolName,
	})
	if err != nil {
		metrics.RecordLLMMetrics("suggester", r.e.model, "error", time.Since(start).Seconds())
		r.e.logger.Warn("Suggester failed", zap.String("task_id", r.st.TaskID), zap.Error(err))
		return empty
	}
	metrics.RecordLLMMetrics("suggester", r.e.model, "ok", time.Since(start).Seconds())

	for _, tc := range resp.ToolCalls {
		if tc.Name != suggestToolName {
			continue
		}
		var out struct {
			Suggestions []string `json:"suggestions"`
		}
		err := tools.ValidateArgs(suggestSchema, json.RawMessage(tc.Arguments))
		if err == nil {
			err = json.Unmarshal([]byte(tc.Arguments), &out)
		}
		if err != nil {
			r.e.logger.Warn("Suggester returned malformed arguments", zap.String("task_id", r.st.TaskID), zap.Error(err))
			return empty
		}
		return state.Update{Suggestions: state.Strings(out.Suggestions)}
	}
	return empty
}

// suggestSchema checks suggester output: exactly three non-empty strings.
var suggestSchema = mustCompile(suggestToolName, suggestTool.Parameters)

func mustCompile(name string, schema map[string]any) *jsonschema.Schema {
	sch, err := tools.CompileSchema(name, schema)
	if err != nil {
		panic(fmt.Sprintf("compile %s schema: %v", name, err))
	}
	return sch
}

var suggestTool = llm.ToolSpec{
	Name:        suggestToolName,
	Description: "Generate 3 concise and relevant smart input suggestions for the user, based on the previous conversation.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"suggestions": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string", "minLength": 1},
				"minItems":    3,
				"maxItems":    3,
				"description": "Three smart input suggestions, each as a short sentence or question",
			},
		},
		"required": []string{"suggestions"},
	},
}

// summarize folds the log into the running summary and keeps only the most
// recent entries.
func (r *run) summarize(ctx context.Context) state.Update {
	msgs := make([]llm.Message, 0, len(r.st.Messages)+1)
	for _, e := range r.st.Messages {
		if e.Role == state.RoleUser {
			msgs = append(msgs, llm.User(e.Content))
		} else {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: e.Content})
		}
	}
	msgs = append(msgs, llm.User(summaryPrompt(r.st.Summary)))

	start := time.Now()
	resp, err := r.e.llm.Complete(ctx, llm.Request{
		Model:       r.e.model,
		Messages:    msgs,
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		metrics.RecordLLMMetrics("summarize", r.e.model, "error", time.Since(start).Seconds())
		r.e.logger.Warn("Summarize failed, keeping full log", zap.String("task_id", r.st.TaskID), zap.Error(err))
		return state.Update{}
	}
	metrics.RecordLLMMetrics("summarize", r.e.model, "ok", time.Since(start).Seconds())

	var remove []string
	if n := len(r.st.Messages) - r.limits.KeepMessages; n > 0 {
		for _, e := range r.st.Messages[:n] {
			remove = append(remove, e.ID)
		}
	}
	return state.Update{Summary: state.String(resp.Content), Remove: remove}
}
