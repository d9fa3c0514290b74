// Package evaluator grades finished turns with a language model and stores
// the verdicts. Evaluation is best-effort and never affects the user.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aegis-agents/chatbot/internal/db"
	"github.com/aegis-agents/chatbot/internal/llm"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/teams"
	"github.com/aegis-agents/chatbot/internal/tools"
)

const toolName = "submit_evaluation"

var ErrMalformedResult = errors.New("evaluator: malformed result")

// Input is everything the evaluator sees of one turn.
type Input struct {
	ReqID            string            `json:"reqId"`
	UserID           string            `json:"userId"`
	UserInput        string            `json:"userInput,omitempty"`
	UserAction       *state.UserAction `json:"userAction,omitempty"`
	LatestAction     string            `json:"latestAction,omitempty"`
	Generator        string            `json:"generator"`
	ConversationCard *state.Card       `json:"conversationCard,omitempty"`
	DashboardCards   []state.Card      `json:"dashboardCards"`
	Suggestions      []string          `json:"suggestions"`
	Messages         []state.Entry     `json:"messages"`
}

// Result is the structured verdict for one turn.
type Result struct {
	Reasoning         string        `json:"reasoning"`
	Assertions        db.Assertions `json:"assertions"`
	RelevanceScore    float64       `json:"relevance_score"`
	AccuracyScore     float64       `json:"accuracy_score"`
	UIComplianceScore float64       `json:"ui_compliance_score"`
}

// Writer queues evaluation records for persistence.
type Writer interface {
	QueueWrite(writeType db.WriteType, data interface{}, callback func(error)) error
}

// Config tunes background evaluation.
type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int64         `mapstructure:"concurrency"`
}

// Evaluator grades turns.
type Evaluator struct {
	llm     llm.Client
	catalog *teams.Catalog
	writer  Writer
	cfg     Config
	schema  *jsonschema.Schema
	slots   *semaphore.Weighted
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New creates an evaluator. writer may be nil, in which case verdicts are
// only logged.
func New(client llm.Client, catalog *teams.Catalog, writer Writer, cfg Config, logger *zap.Logger) (*Evaluator, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	sch, err := tools.CompileSchema(toolName, resultSchema(false))
	if err != nil {
		return nil, fmt.Errorf("failed to compile evaluation schema: %w", err)
	}
	return &Evaluator{
		llm:     client,
		catalog: catalog,
		writer:  writer,
		cfg:     cfg,
		schema:  sch,
		slots:   semaphore.NewWeighted(cfg.Concurrency),
		logger:  logger,
	}, nil
}

// Evaluate grades one turn. Scores are clamped to [0,1].
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:       e.cfg.Model,
		Messages:    []llm.Message{llm.System(evaluationPrompt(in, e.catalog))},
		Temperature: llm.Temperature(0),
		Tools: []llm.ToolSpec{{
			Name:        toolName,
			Description: "Submit the evaluation of the current turn.",
			Parameters:  resultSchema(true),
		}},
		ToolChoice: toolName,
	})
	if err != nil {
		metrics.RecordLLMMetrics("evaluator", e.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("evaluation request failed: %w", err)
	}
	metrics.RecordLLMMetrics("evaluator", e.cfg.Model, "ok", time.Since(start).Seconds())

	for _, tc := range resp.ToolCalls {
		if tc.Name != toolName {
			continue
		}
		raw := json.RawMessage(tc.Arguments)
		if err := tools.ValidateArgs(e.schema, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
		var r Result
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
		r.RelevanceScore = clamp(r.RelevanceScore)
		r.AccuracyScore = clamp(r.AccuracyScore)
		r.UIComplianceScore = clamp(r.UIComplianceScore)
		return &r, nil
	}
	return nil, fmt.Errorf("%w: no %s call", ErrMalformedResult, toolName)
}

// Submit evaluates in the background and queues the verdict. When every
// slot is busy the turn is skipped.
func (e *Evaluator) Submit(in Input) {
	if !e.cfg.Enabled {
		return
	}
	if !e.slots.TryAcquire(1) {
		metrics.Evaluations.WithLabelValues("skipped").Inc()
		e.logger.Debug("Evaluator saturated, skipping turn", zap.String("req_id", in.ReqID))
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.slots.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
		defer cancel()
		if err := e.run(ctx, in); err != nil {
			e.logger.Warn("Turn evaluation failed", zap.String("req_id", in.ReqID), zap.Error(err))
		}
	}()
}

func (e *Evaluator) run(ctx context.Context, in Input) error {
	r, err := e.Evaluate(ctx, in)
	if err != nil {
		metrics.Evaluations.WithLabelValues("error").Inc()
		return err
	}
	metrics.Evaluations.WithLabelValues("ok").Inc()
	observe(r)

	if e.writer == nil {
		e.logger.Info("Turn evaluated",
			zap.String("req_id", in.ReqID),
			zap.Float64("relevance", r.RelevanceScore),
			zap.Float64("accuracy", r.AccuracyScore),
			zap.Float64("ui_compliance", r.UIComplianceScore))
		return nil
	}
	return e.writer.QueueWrite(db.WriteTypeEvaluation, Record(in, r), nil)
}

// Wait blocks until background evaluations finish or ctx is done.
func (e *Evaluator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record converts a verdict into its stored form.
func Record(in Input, r *Result) *db.EvaluationRecord {
	return &db.EvaluationRecord{
		ReqID:             in.ReqID,
		UserID:            in.UserID,
		Reasoning:         r.Reasoning,
		Assertions:        db.NewJSONB(r.Assertions),
		RelevanceScore:    r.RelevanceScore,
		AccuracyScore:     r.AccuracyScore,
		UIComplianceScore: r.UIComplianceScore,
		Input:             db.NewJSONB[any](in),
	}
}

func observe(r *Result) {
	metrics.EvaluationScores.WithLabelValues("relevance").Observe(r.RelevanceScore)
	metrics.EvaluationScores.WithLabelValues("accuracy").Observe(r.AccuracyScore)
	metrics.EvaluationScores.WithLabelValues("ui_compliance").Observe(r.UIComplianceScore)

	a := r.Assertions
	for name, held := range map[string]bool{
		"premature_finish":        a.PrematureFinish,
		"missing_tool_call":       a.MissingToolCall,
		"modify_claimed_complete": a.ModifyClaimedComplete,
		"repeated_display":        a.RepeatedDisplay,
		"domain_mismatch":         a.DomainMismatch,
		"hallucination_numbers":   a.HallucinationNumbers,
	} {
		if held {
			metrics.EvaluationAssertions.WithLabelValues(name).Inc()
		}
	}
}

func clamp(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

// resultSchema describes the verdict. Bounds are only advertised to the
// model; out-of-range scores are clamped rather than rejected.
func resultSchema(withBounds bool) map[string]any {
	score := func(desc string) map[string]any {
		s := map[string]any{"type": "number", "description": desc}
		if withBounds {
			s["minimum"] = 0
			s["maximum"] = 1
		}
		return s
	}
	flag := func(desc string) map[string]any {
		return map[string]any{"type": "boolean", "description": desc}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reasoning": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Brief explanation (<=120 words) citing only this turn's evidence.",
			},
			"assertions": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"premature_finish":        flag("Assistant implies finish without any UI shown this turn."),
					"missing_tool_call":       flag("Assistant claims UI/visibility but no Display/Modification UI recorded this turn."),
					"modify_claimed_complete": flag("Modification UI shown but assistant claims completion without confirmation."),
					"repeated_display":        flag("Assistant re-opens the same display artifact in the same turn without changes."),
					"domain_mismatch":         flag("Used wrong domain to answer the question."),
					"hallucination_numbers":   flag("Gives specific numbers with no UI evidence this turn."),
				},
				"required": []string{
					"premature_finish", "missing_tool_call", "modify_claimed_complete",
					"repeated_display", "domain_mismatch", "hallucination_numbers",
				},
			},
			"relevance_score":     score("0.00 to 1.00, responsiveness to user input/action."),
			"accuracy_score":      score("0.00 to 1.00, correctness; domain aligned; no fabrications."),
			"ui_compliance_score": score("0.00 to 1.00, correct handling of display vs modification UI."),
		},
		"required": []string{"reasoning", "assertions", "relevance_score", "accuracy_score", "ui_compliance_score"},
	}
}
