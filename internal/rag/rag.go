// Package rag answers knowledge questions with a self-reflective retrieval
// loop over the official documents.
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aegis-agents/chatbot/internal/llm"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/vectordb"
)

// DefaultBudget is the step budget of one question.
const DefaultBudget = 50

// ErrBudgetExceeded is returned when the loop runs out of steps before it
// produces a grounded, useful answer.
var ErrBudgetExceeded = errors.New("rag: step budget exceeded")

// Retriever finds document chunks near a query vector.
type Retriever interface {
	SearchDocuments(ctx context.Context, vec []float32, limit int) ([]vectordb.Document, error)
}

// Config tunes the loop.
type Config struct {
	Model  string
	Budget int
	TopK   int
}

// Engine runs retrieve, grade, generate and self-check steps.
type Engine struct {
	llm      llm.Client
	embedder llm.Embedder
	store    Retriever
	cfg      Config
	logger   *zap.Logger
}

// New creates an engine. Zero config fields take defaults.
func New(client llm.Client, embedder llm.Embedder, store Retriever, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	return &Engine{llm: client, embedder: embedder, store: store, cfg: cfg, logger: logger}
}

type run struct {
	e        *Engine
	steps    int
	question string
	docs     []vectordb.Document
}

func (r *run) step(name string) error {
	r.steps++
	if r.steps > r.e.cfg.Budget {
		return fmt.Errorf("%w after %d steps at %s", ErrBudgetExceeded, r.e.cfg.Budget, name)
	}
	return nil
}

// Answer runs the loop for question. The returned error wraps
// ErrBudgetExceeded when no acceptable answer was found in budget.
func (e *Engine) Answer(ctx context.Context, question string) (string, error) {
	r := &run{e: e, question: question}
	defer func() { metrics.RAGSteps.Observe(float64(r.steps)) }()

	for {
		if err := r.retrieve(ctx); err != nil {
			return "", err
		}
		if err := r.gradeDocuments(ctx); err != nil {
			return "", err
		}
		if len(r.docs) == 0 {
			if err := r.transformQuery(ctx); err != nil {
				return "", err
			}
			continue
		}

		// generate until grounded, then check usefulness
		for {
			answer, err := r.generate(ctx)
			if err != nil {
				return "", err
			}
			grounded, err := r.grade(ctx, "grounded", groundedPrompt(r.docs, answer))
			if err != nil {
				return "", err
			}
			if !grounded {
				e.logger.Debug("Answer not grounded; generating again", zap.Int("step", r.steps))
				continue
			}
			useful, err := r.grade(ctx, "useful", usefulPrompt(answer, r.question))
			if err != nil {
				return "", err
			}
			if useful {
				return answer, nil
			}
			break
		}
		e.logger.Debug("Answer not useful; transforming query", zap.Int("step", r.steps))
		if err := r.transformQuery(ctx); err != nil {
			return "", err
		}
	}
}

func (r *run) retrieve(ctx context.Context) error {
	if err := r.step("retrieve"); err != nil {
		return err
	}
	vecs, err := r.e.embedder.Embed(ctx, []string{r.question})
	if err != nil {
		return fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("embed question: empty result")
	}
	docs, err := r.e.store.SearchDocuments(ctx, vecs[0], r.e.cfg.TopK)
	if err != nil {
		return fmt.Errorf("search documents: %w", err)
	}
	r.docs = docs
	return nil
}

// gradeDocuments keeps the relevant documents. A failed grade counts as "no".
func (r *run) gradeDocuments(ctx context.Context) error {
	if err := r.step("grade_documents"); err != nil {
		return err
	}
	keep := make([]bool, len(r.docs))
	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range r.docs {
		i, doc := i, doc
		g.Go(func() error {
			ok, err := r.e.binary(gctx, relevancePrompt(doc.Content, r.question))
			if err != nil {
				r.e.logger.Debug("Document grade failed", zap.String("doc", doc.ID), zap.Error(err))
				return nil
			}
			keep[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	filtered := r.docs[:0:0]
	for i, doc := range r.docs {
		if keep[i] {
			filtered = append(filtered, doc)
		}
	}
	r.docs = filtered
	return nil
}

func (r *run) transformQuery(ctx context.Context) error {
	if err := r.step("transform_query"); err != nil {
		return err
	}
	resp, err := r.e.llm.Complete(ctx, llm.Request{
		Model:       r.e.cfg.Model,
		Messages:    []llm.Message{llm.User(transformPrompt(r.question))},
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		return fmt.Errorf("transform query: %w", err)
	}
	if q := strings.TrimSpace(resp.Content); q != "" {
		r.question = q
	}
	return nil
}

func (r *run) generate(ctx context.Context) (string, error) {
	if err := r.step("generate"); err != nil {
		return "", err
	}
	resp, err := r.e.llm.Complete(ctx, llm.Request{
		Model:       r.e.cfg.Model,
		Messages:    []llm.Message{llm.User(generatePrompt(r.question, r.docs))},
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func (r *run) grade(ctx context.Context, name, prompt string) (bool, error) {
	if err := r.step(name); err != nil {
		return false, err
	}
	ok, err := r.e.binary(ctx, prompt)
	if err != nil {
		return false, fmt.Errorf("grade %s: %w", name, err)
	}
	return ok, nil
}

var gradeTool = llm.ToolSpec{
	Name:        "grade",
	Description: "Grade the relevance of the retrieved documents to the question. Either 'yes' or 'no'.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"binaryScore": map[string]any{
				"type":        "string",
				"enum":        []string{"yes", "no"},
				"description": "Relevance score 'yes' or 'no'",
			},
		},
		"required": []string{"binaryScore"},
	},
}

// binary forces the grade tool and reports whether the score is "yes".
func (e *Engine) binary(ctx context.Context, prompt string) (bool, error) {
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model:       e.cfg.Model,
		Messages:    []llm.Message{llm.User(prompt)},
		Temperature: llm.Temperature(0),
		Tools:       []llm.ToolSpec{gradeTool},
		ToolChoice:  gradeTool.Name,
	})
	if err != nil {
		return false, err
	}
	if len(resp.ToolCalls) == 0 {
		return false, fmt.Errorf("grader returned no tool call")
	}
	var out struct {
		BinaryScore string `json:"binaryScore"`
	}
	if err := json.Unmarshal([]byte(resp.ToolCalls[0].Arguments), &out); err != nil {
		return false, fmt.Errorf("decode grade: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(out.BinaryScore), "yes"), nil
}
