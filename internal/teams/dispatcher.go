package teams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/rag"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/tools"
)

const (
	ragNoDocuments = "[SelfRag]: No relevant documents found in official documents. Please do NOT try again."
	ragFailed      = "[SelfRag]: An error occurred while using self-reflective RAG to query official documents. Please try again."
)

// Answerer answers a knowledge question from the official documents.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// Dispatcher resolves an assignment to a worker and runs it.
type Dispatcher struct {
	catalog *Catalog
	runner  *Runner
	rag     Answerer
	logger  *zap.Logger
}

// NewDispatcher wires the catalog to its executors. answerer may be nil when
// no knowledge worker is deployed.
func NewDispatcher(catalog *Catalog, runner *Runner, answerer Answerer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{catalog: catalog, runner: runner, rag: answerer, logger: logger}
}

// Catalog returns the team registry.
func (d *Dispatcher) Catalog() *Catalog {
	return d.catalog
}

// Dispatch runs one assignment and returns its log entry. Unknown team or
// worker names are returned as errors; any other failure is folded into the
// entry so the round can continue.
func (d *Dispatcher) Dispatch(ctx context.Context, a state.Assignment, env tools.Env) (state.Entry, error) {
	w, err := d.catalog.Worker(a.Team, a.Worker)
	if err != nil {
		metrics.WorkerExecutions.WithLabelValues(a.Team, a.Worker, "unknown").Inc()
		return state.Entry{}, fmt.Errorf("%w: %v", ErrUnknownWorker, err)
	}

	start := time.Now()
	var entry state.Entry
	status := "ok"
	switch w.Kind {
	case KindRAG:
		entry = d.answer(ctx, w, a, env)
	default:
		entry, err = d.runner.Run(ctx, w, a, env)
		if err != nil {
			status = "error"
			d.logger.Warn("Worker failed",
				zap.String("team", a.Team),
				zap.String("worker", a.Worker),
				zap.String("task_id", env.TaskID),
				zap.Error(err))
			entry = state.NewEntry(state.Role(w.Name),
				fmt.Sprintf("%s\nWorker failed: %v", state.Tag(env.TaskID, state.Role(w.Name)), err))
		}
	}
	metrics.WorkerExecutions.WithLabelValues(a.Team, a.Worker, status).Inc()
	d.logger.Debug("Worker dispatched",
		zap.String("worker", a.Worker),
		zap.String("task_id", env.TaskID),
		zap.Duration("elapsed", time.Since(start)))
	return entry, nil
}

func (d *Dispatcher) answer(ctx context.Context, w *WorkerDef, a state.Assignment, env tools.Env) state.Entry {
	entry := func(text string) state.Entry {
		role := state.Role(w.Name)
		return state.NewEntry(role, state.Tag(env.TaskID, role)+"\n"+text)
	}
	if d.rag == nil {
		return entry(ragFailed)
	}
	answer, err := d.rag.Answer(ctx, a.Instruction)
	switch {
	case errors.Is(err, rag.ErrBudgetExceeded):
		d.logger.Info("Self-RAG budget exhausted", zap.String("task_id", env.TaskID))
		return entry(ragNoDocuments)
	case err != nil:
		d.logger.Warn("Self-RAG failed", zap.String("task_id", env.TaskID), zap.Error(err))
		return entry(ragFailed)
	}
	return entry("[SelfRag]: " + answer)
}
