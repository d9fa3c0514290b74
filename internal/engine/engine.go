// Package engine runs one conversation turn through the routing state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/llm"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/streaming"
	"github.com/aegis-agents/chatbot/internal/supervisor"
	"github.com/aegis-agents/chatbot/internal/teams"
	"github.com/aegis-agents/chatbot/internal/tools"
	"github.com/aegis-agents/chatbot/internal/tracing"
)

// ApologyText is shown when routing fails.
const ApologyText = "Sorry, something went wrong while processing your request. Please try again later."

const recursionLimitNote = "Recursion limit reached; forcing finish."

// Limits bounds one turn.
type Limits struct {
	RecursionLimit      int
	WorkerMaxIterations int
	KeepMessages        int
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{RecursionLimit: 25, WorkerMaxIterations: teams.DefaultMaxIterations, KeepMessages: 10}
}

// Store persists task state per thread.
type Store interface {
	LoadOrNew(ctx context.Context, threadID string) (*state.TaskState, bool, error)
	Save(ctx context.Context, threadID string, st *state.TaskState) error
}

// Router picks the next assignments.
type Router interface {
	Decide(ctx context.Context, st *state.TaskState) (*supervisor.Decision, state.Update, error)
}

// Dispatcher runs one assignment.
type Dispatcher interface {
	Dispatch(ctx context.Context, a state.Assignment, env tools.Env) (state.Entry, error)
}

// ActionHandler executes a confirmed user action.
type ActionHandler interface {
	Handle(ctx context.Context, userID string, a *state.UserAction) (string, error)
}

// Deps wires the engine.
type Deps struct {
	Store       Store
	Router      Router
	Dispatcher  Dispatcher
	Actions     ActionHandler
	LLM         llm.Client
	Catalog     *teams.Catalog
	Model       string
	Limits      func() Limits
	Locks       *ThreadLocks
	SaveTimeout time.Duration
	Logger      *zap.Logger
}

// Engine executes turns. It is safe for concurrent use across threads.
type Engine struct {
	store       Store
	router      Router
	dispatcher  Dispatcher
	actions     ActionHandler
	llm         llm.Client
	catalog     *teams.Catalog
	model       string
	limits      func() Limits
	locks       *ThreadLocks
	saveTimeout time.Duration
	logger      *zap.Logger
}

// New creates an engine.
func New(d Deps) *Engine {
	if d.Limits == nil {
		d.Limits = DefaultLimits
	}
	if d.Locks == nil {
		d.Locks = NewThreadLocks()
	}
	if d.SaveTimeout <= 0 {
		d.SaveTimeout = 5 * time.Second
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Engine{
		store:       d.Store,
		router:      d.Router,
		dispatcher:  d.Dispatcher,
		actions:     d.Actions,
		llm:         d.LLM,
		catalog:     d.Catalog,
		model:       d.Model,
		limits:      d.Limits,
		locks:       d.Locks,
		saveTimeout: d.SaveTimeout,
		logger:      d.Logger,
	}
}

// Locks returns the per-thread lock table shared with other writers.
func (e *Engine) Locks() *ThreadLocks {
	return e.locks
}

// Turn is one client request. At most one trigger is set.
type Turn struct {
	ThreadID      string
	UserID        string
	UserInput     string
	UserAction    *state.UserAction
	DirectRequest *state.DirectRequest
}

// Trigger names what started the turn.
func (t Turn) Trigger() string {
	switch {
	case t.UserInput != "":
		return "input"
	case t.UserAction != nil:
		return "action"
	case t.DirectRequest != nil:
		return "direct_request"
	}
	return "none"
}

// Status describes how a turn ended.
type Status string

const (
	StatusReplied      Status = "replied"
	StatusDirect       Status = "direct_request"
	StatusForcedFinish Status = "forced_finish"
	StatusApology      Status = "apology"
)

// Result summarizes a finished turn.
type Result struct {
	TaskID string
	Status Status
	Steps  int
	// Cause is the routing failure behind an apology.
	Cause error
	State *state.TaskState
}

// Run executes one turn for turn.ThreadID and streams its events to sink.
// A routing failure ends the turn with an apology and a nil error; other
// failures are returned.
func (e *Engine) Run(ctx context.Context, turn Turn, sink *streaming.Sink) (*Result, error) {
	if err := state.ValidateTriggers(turn.UserInput, turn.UserAction, turn.DirectRequest); err != nil {
		return nil, err
	}
	unlock, err := e.locks.TryLock(turn.ThreadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	trigger := turn.Trigger()
	metrics.TurnsStarted.WithLabelValues(trigger).Inc()
	ctx, span := tracing.StartTurnSpan(ctx, turn.ThreadID, trigger)
	start := time.Now()

	res, err := e.run(ctx, turn, sink)

	status := "error"
	if res != nil {
		status = string(res.Status)
	}
	metrics.RecordTurnMetrics(trigger, status, time.Since(start).Seconds())
	tracing.End(span, err)
	if err != nil {
		e.logger.Error("Turn failed",
			zap.String("thread_id", turn.ThreadID),
			zap.String("trigger", trigger),
			zap.Error(err))
	} else {
		e.logger.Info("Turn completed",
			zap.String("thread_id", turn.ThreadID),
			zap.String("task_id", res.TaskID),
			zap.String("status", status),
			zap.Int("steps", res.Steps),
			zap.Duration("elapsed", time.Since(start)))
	}
	return res, err
}

type run struct {
	e      *Engine
	turn   Turn
	sink   *streaming.Sink
	limits Limits
	st     *state.TaskState
	steps  int
}

func (e *Engine) run(ctx context.Context, turn Turn, sink *streaming.Sink) (*Result, error) {
	st, _, err := e.store.LoadOrNew(ctx, turn.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	st.UserInput = turn.UserInput
	st.UserAction = turn.UserAction
	st.UserDirectRequest = turn.DirectRequest

	limits := e.limits()
	if limits.RecursionLimit <= 0 {
		limits.RecursionLimit = DefaultLimits().RecursionLimit
	}
	if limits.KeepMessages <= 0 {
		limits.KeepMessages = DefaultLimits().KeepMessages
	}
	r := &run{e: e, turn: turn, sink: sink, limits: limits, st: st}
	return r.execute(ctx)
}

func (r *run) result(status Status, cause error) *Result {
	return &Result{TaskID: r.st.TaskID, Status: status, Steps: r.steps, Cause: cause, State: r.st.Clone()}
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	if err := r.step(ctx, "init", r.init); err != nil {
		return nil, err
	}
	if err := r.step(ctx, "handle_user_action", r.handleUserAction); err != nil {
		return nil, err
	}

	status := StatusReplied
	if !r.st.ShouldFinish {
		if err := r.step(ctx, "handle_user_direct_request", r.handleDirectRequest); err != nil {
			return nil, err
		}
		if r.st.ShouldFinish {
			return r.result(StatusDirect, nil), nil
		}

		forced, err := r.route(ctx)
		if err != nil {
			if errors.Is(err, errPersist) {
				return nil, err
			}
			return r.apologize(ctx, err)
		}
		if forced {
			status = StatusForcedFinish
		}
	}

	if err := r.step(ctx, "generator", r.generate); err != nil {
		if errors.Is(err, errPersist) {
			return nil, err
		}
		return r.apologize(ctx, err)
	}
	if err := r.step(ctx, "post_reply", r.postReply); err != nil {
		return nil, err
	}
	return r.result(status, nil), nil
}

// route alternates supervisor and dispatch until the supervisor finishes or
// the step ceiling is reached. forced reports the latter.
func (r *run) route(ctx context.Context) (forced bool, err error) {
	for {
		if r.steps >= r.limits.RecursionLimit {
			return true, r.forceFinish(ctx)
		}
		if err := r.step(ctx, "supervisor", r.supervise); err != nil {
			return false, err
		}
		if r.st.ShouldFinish {
			return false, nil
		}
		if r.steps >= r.limits.RecursionLimit {
			return true, r.forceFinish(ctx)
		}
		if err := r.step(ctx, "team_dispatch", r.dispatch); err != nil {
			return false, err
		}
	}
}

// errPersist marks checkpoint failures, which are never turned into an
// apology.
var errPersist = errors.New("engine: checkpoint write failed")

// step runs one node, merges its update and checkpoints the result.
func (r *run) step(ctx context.Context, node string, fn func(context.Context) (state.Update, error)) error {
	ctx, span := tracing.StartNodeSpan(ctx, node, r.st.TaskID)
	start := time.Now()
	r.steps++

	u, err := fn(ctx)
	if err != nil {
		metrics.RecordNodeMetrics(node, "error", time.Since(start).Seconds())
		tracing.End(span, err)
		return fmt.Errorf("%s: %w", node, err)
	}
	r.st.Merge(u)
	if err := r.save(ctx); err != nil {
		metrics.RecordNodeMetrics(node, "error", time.Since(start).Seconds())
		tracing.End(span, err)
		return err
	}
	metrics.RecordNodeMetrics(node, "ok", time.Since(start).Seconds())
	tracing.End(span, nil)
	return nil
}

// save writes the checkpoint on a context that survives client disconnects.
func (r *run) save(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.e.saveTimeout)
	defer cancel()
	if err := r.e.store.Save(ctx, r.turn.ThreadID, r.st); err != nil {
		return fmt.Errorf("%w: %v", errPersist, err)
	}
	return nil
}

func (r *run) forceFinish(ctx context.Context) error {
	metrics.RecursionLimitHits.Inc()
	r.e.logger.Warn("Recursion limit reached",
		zap.String("thread_id", r.turn.ThreadID),
		zap.String("task_id", r.st.TaskID),
		zap.Int("steps", r.steps))
	r.st.Merge(state.Update{
		Append: []state.Entry{state.NewEntry(state.RoleSystem,
			state.Tag(r.st.TaskID, state.RoleSystem)+" "+recursionLimitNote)},
		ShouldFinish: state.Bool(true),
		Actions:      state.Assignments(nil),
	})
	return r.save(ctx)
}

// apologize ends the turn with the generic apology after a routing failure.
func (r *run) apologize(ctx context.Context, cause error) (*Result, error) {
	r.e.logger.Error("Routing failed, replying with apology",
		zap.String("thread_id", r.turn.ThreadID),
		zap.String("task_id", r.st.TaskID),
		zap.Error(cause))
	r.sink.GeneratorDelta(ApologyText)
	r.st.Merge(state.Update{
		Append: []state.Entry{state.NewEntry(state.RoleGenerator,
			state.Tag(r.st.TaskID, state.RoleGenerator)+" "+ApologyText)},
		LastGeneratorResult: state.String(ApologyText),
		ShouldFinish:        state.Bool(true),
		Actions:             state.Assignments(nil),
	})
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	return r.result(StatusApology, cause), nil
}

func newTaskID() string {
	return uuid.New().String()
}
