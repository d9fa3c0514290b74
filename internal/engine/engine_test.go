package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegis-agents/chatbot/internal/actions"
	"github.com/aegis-agents/chatbot/internal/checkpoint"
	"github.com/aegis-agents/chatbot/internal/circuitbreaker"
	"github.com/aegis-agents/chatbot/internal/helper"
	"github.com/aegis-agents/chatbot/internal/helper/helpertest"
	"github.com/aegis-agents/chatbot/internal/llm"
	"github.com/aegis-agents/chatbot/internal/llm/llmtest"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/streaming"
	"github.com/aegis-agents/chatbot/internal/supervisor"
	"github.com/aegis-agents/chatbot/internal/teams"
	"github.com/aegis-agents/chatbot/internal/tools"
)

type chunks struct {
	mu  sync.Mutex
	all []streaming.Chunk
}

func (c *chunks) send(ch streaming.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = append(c.all, ch)
	return nil
}

func (c *chunks) index(match func(streaming.Chunk) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.all {
		if match(ch) {
			return i
		}
	}
	return -1
}

// model routes requests by shape: the route tool, the suggest tool, worker
// loops (tools offered) and the summary call (no tools).
type model struct {
	suggest string
	route   func(n int, req llm.Request) (*llm.Response, error)
	worker  func(req llm.Request) (*llm.Response, error)
	routeN  atomic.Int32
	summary string
}

func (m *model) handle(req llm.Request) (*llm.Response, error) {
	switch {
	case req.ToolChoice == "route":
		return m.route(int(m.routeN.Add(1)), req)
	case req.ToolChoice == suggestToolName && m.suggest != "":
		return llmtest.ToolCall("s1", suggestToolName, m.suggest), nil
	case req.ToolChoice == suggestToolName:
		return llmtest.ToolCall("s1", suggestToolName, `{"suggestions":["Show my positions","Deposit USDC","What is the APY?"]}`), nil
	case len(req.Tools) > 0:
		if m.worker != nil {
			return m.worker(req)
		}
		return llmtest.Text("done"), nil
	default:
		return llmtest.Text(m.summary), nil
	}
}

func decision(t *testing.T, finish bool, actions ...state.Assignment) *llm.Response {
	t.Helper()
	raw, err := json.Marshal(supervisor.Decision{Language: "English", Reasoning: "checking", Finish: finish, Actions: actions})
	require.NoError(t, err)
	return llmtest.ToolCall("r1", "route", string(raw))
}

func calledTool(req llm.Request) bool {
	for _, m := range req.Messages {
		if m.Role == llm.RoleTool {
			return true
		}
	}
	return false
}

type harness struct {
	engine *Engine
	fake   *llmtest.Fake
	model  *model
	store  *checkpoint.Store
	helper *helpertest.Transport
	limits Limits
}

func newHarness(t *testing.T, m *model) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := checkpoint.NewStore(circuitbreaker.NewRedisWrapper(rc, logger), 0, logger)

	tr := helpertest.New().On(helper.SubjectGetUserAssets, map[string]any{
		"portfolio": map[string]any{
			"user_address":                     "0xuser",
			"user_address_portfolio":           map[string]any{},
			"smart_address":                    "0xsmart",
			"smart_address_total_value_usd":    "2.5",
			"smart_address_position":           []any{},
			"smart_address_portfolio":          map[string]any{},
			"smart_address_position_value_usd": "0",
		},
	})
	svc := helper.NewClient(tr, logger)
	reg, err := tools.NewRegistry(logger, append(tools.NewAutoFi(svc).Tools(), tools.NewAccount(svc).Tools()...)...)
	require.NoError(t, err)

	catalog, err := teams.DefaultCatalog()
	require.NoError(t, err)

	if m.summary == "" {
		m.summary = "- User intent: check assets"
	}
	fake := &llmtest.Fake{Handler: m.handle, StreamText: "Here are your assets."}

	h := &harness{fake: fake, model: m, store: store, helper: tr, limits: DefaultLimits()}
	runner := teams.NewRunner(fake, reg, "test-model", nil, logger)
	h.engine = New(Deps{
		Store:      store,
		Router:     supervisor.New(fake, catalog, "test-model", logger),
		Dispatcher: teams.NewDispatcher(catalog, runner, nil, logger),
		Actions:    actions.NewHandler(svc, logger),
		LLM:        fake,
		Catalog:    catalog,
		Model:      "test-model",
		Limits:     func() Limits { return h.limits },
		Logger:     logger,
	})
	return h
}

func showAssets() state.Assignment {
	return state.Assignment{Team: "AutoFiTeam", Worker: "AssetsWorker", Instruction: "Show the user's assets."}
}

func TestShowAssetsTurn(t *testing.T) {
	m := &model{
		route: func(n int, req llm.Request) (*llm.Response, error) {
			if n == 1 {
				return decision(t, false, showAssets()), nil
			}
			return decision(t, true), nil
		},
		worker: func(req llm.Request) (*llm.Response, error) {
			if calledTool(req) {
				return llmtest.Text("done"), nil
			}
			return llmtest.ToolCall("c1", "show_assets", "{}"), nil
		},
	}
	h := newHarness(t, m)
	out := &chunks{}
	sink := streaming.NewSink("u1", out.send, zaptest.NewLogger(t))

	res, err := h.engine.Run(context.Background(), Turn{ThreadID: "u1", UserID: "u1", UserInput: "show my assets"}, sink)
	require.NoError(t, err)
	assert.Equal(t, StatusReplied, res.Status)
	assert.True(t, res.State.ShouldFinish)
	assert.Len(t, res.State.Suggestions, 3)

	cardAt := out.index(func(c streaming.Chunk) bool { return strings.Contains(c.DashboardCardsJSON, "show_assets") })
	replyAt := out.index(func(c streaming.Chunk) bool { return c.GeneratorChunk != nil })
	require.GreaterOrEqual(t, cardAt, 0)
	require.GreaterOrEqual(t, replyAt, 0)
	assert.Less(t, cardAt, replyAt)
	assert.GreaterOrEqual(t, out.index(func(c streaming.Chunk) bool { return c.ReasoningChunk != nil }), 0)

	rec := sink.Record()
	assert.Equal(t, "Here are your assets.", rec.Reply)
	assert.Len(t, rec.Suggestions, 3)

	saved, err := h.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, saved.TaskID)
	assert.Equal(t, "Here are your assets.", saved.LastGeneratorResult)
	assert.Equal(t, "- User intent: check assets", saved.Summary)

	var worker string
	for _, e := range saved.Messages {
		if e.Role == "AssetsWorker" {
			worker = e.Content
		}
	}
	assert.Contains(t, worker, "- tool name: show_assets")
	assert.True(t, strings.HasPrefix(worker, "[Task "+res.TaskID+"][AssetsWorker]:"))
}

func TestSuggestionsMustBeThree(t *testing.T) {
	for name, args := range map[string]string{
		"five":      `{"suggestions":["a","b","c","d","e"]}`,
		"two":       `{"suggestions":["a","b"]}`,
		"blank":     `{"suggestions":["a","","c"]}`,
		"not array": `{"suggestions":"a, b, c"}`,
	} {
		t.Run(name, func(t *testing.T) {
			m := &model{
				suggest: args,
				route: func(int, llm.Request) (*llm.Response, error) {
					return decision(t, true), nil
				},
			}
			h := newHarness(t, m)
			sink := streaming.NewSink("u1", (&chunks{}).send, zaptest.NewLogger(t))

			res, err := h.engine.Run(context.Background(), Turn{ThreadID: "u1", UserID: "u1", UserInput: "hello"}, sink)
			require.NoError(t, err)
			assert.Empty(t, res.State.Suggestions)
			assert.Empty(t, sink.Record().Suggestions)

			saved, err := h.store.Load(context.Background(), "u1")
			require.NoError(t, err)
			assert.NotNil(t, saved.Suggestions)
			assert.Empty(t, saved.Suggestions)
		})
	}
}

func TestUserActionSkipsRouting(t *testing.T) {
	m := &model{route: func(int, llm.Request) (*llm.Response, error) {
		t.Fatal("supervisor must not run for a user action")
		return nil, nil
	}}
	h := newHarness(t, m)
	sink := streaming.NewSink("u1", nil, zaptest.NewLogger(t))

	res, err := h.engine.Run(context.Background(), Turn{
		ThreadID:   "u1",
		UserID:     "u1",
		UserAction: &state.UserAction{Type: state.ActionDeposit, Args: []any{"10", "USDC", "8453", "0xabc"}},
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, StatusReplied, res.Status)
	assert.Nil(t, res.State.UserAction)
	assert.Contains(t, res.State.LatestUserAction(), "The user has deposited 10 USDC")
	assert.Equal(t, "Here are your assets.", res.State.LastGeneratorResult)

	var gen string
	for _, req := range h.fake.Requests() {
		if req.Temperature != nil && *req.Temperature == 0.6 {
			gen = llmtest.SystemPrompt(req)
		}
	}
	assert.Contains(t, gen, "[User Action] The user has deposited 10 USDC")
}

func TestDirectRequestEndsWithoutReply(t *testing.T) {
	h := newHarness(t, &model{route: func(int, llm.Request) (*llm.Response, error) {
		t.Fatal("supervisor must not run for a direct request")
		return nil, nil
	}})
	out := &chunks{}
	sink := streaming.NewSink("u1", out.send, zaptest.NewLogger(t))

	res, err := h.engine.Run(context.Background(), Turn{
		ThreadID:      "u1",
		UserID:        "u1",
		DirectRequest: &state.DirectRequest{Type: state.RequestWithdraw},
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, StatusDirect, res.Status)
	assert.Nil(t, res.State.UserDirectRequest)
	assert.Empty(t, res.State.LastGeneratorResult)
	assert.Empty(t, h.fake.Requests())

	require.Len(t, out.all, 1)
	assert.JSONEq(t, `{"type":"withdraw","args":[]}`, out.all[0].ConversationCardJSON)
}

func TestChangeSmartAccountFailsTurn(t *testing.T) {
	h := newHarness(t, &model{})
	_, err := h.engine.Run(context.Background(), Turn{
		ThreadID:   "u1",
		UserID:     "u1",
		UserAction: &state.UserAction{Type: state.ActionChangeSmartAccount},
	}, streaming.NewSink("u1", nil, zaptest.NewLogger(t)))
	assert.ErrorIs(t, err, actions.ErrNotImplemented)
}

func TestRoutingFailureApologizes(t *testing.T) {
	h := newHarness(t, &model{route: func(int, llm.Request) (*llm.Response, error) {
		return llmtest.Text("I think we are done"), nil
	}})
	sink := streaming.NewSink("u1", nil, zaptest.NewLogger(t))

	res, err := h.engine.Run(context.Background(), Turn{ThreadID: "u1", UserID: "u1", UserInput: "hello"}, sink)
	require.NoError(t, err)
	assert.Equal(t, StatusApology, res.Status)
	assert.ErrorIs(t, res.Cause, supervisor.ErrMalformedDecision)
	assert.Equal(t, ApologyText, sink.Record().Reply)
	assert.Empty(t, sink.Record().Suggestions)
}

func TestUnknownWorkerApologizes(t *testing.T) {
	h := newHarness(t, &model{route: func(int, llm.Request) (*llm.Response, error) {
		return decision(t, false, state.Assignment{Team: "AutoFiTeam", Worker: "Nobody", Instruction: "x"}), nil
	}})
	res, err := h.engine.Run(context.Background(), Turn{ThreadID: "u1", UserID: "u1", UserInput: "hello"},
		streaming.NewSink("u1", nil, zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.Equal(t, StatusApology, res.Status)
	assert.ErrorIs(t, res.Cause, teams.ErrUnknownWorker)
}

func TestRecursionLimitForcesFinish(t *testing.T) {
	h := newHarness(t, &model{route: func(n int, req llm.Request) (*llm.Response, error) {
		return decision(t, false, state.Assignment{
			Team: "AutoFiTeam", Worker: "QueryWorker", Instruction: fmt.Sprintf("Query page %d.", n),
		}), nil
	}})
	h.limits.RecursionLimit = 7

	res, err := h.engine.Run(context.Background(), Turn{ThreadID: "u1", UserID: "u1", UserInput: "loop"},
		streaming.NewSink("u1", nil, zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.Equal(t, StatusForcedFinish, res.Status)

	var note bool
	for _, e := range res.State.Messages {
		if e.Content == "[Task "+res.TaskID+"][System]: Recursion limit reached; forcing finish." {
			note = true
		}
	}
	assert.True(t, note)
	assert.Equal(t, "Here are your assets.", res.State.LastGeneratorResult)
	assert.LessOrEqual(t, int(h.model.routeN.Load()), 3)
}

func TestFanOutMergesInDispatchOrder(t *testing.T) {
	slow := state.Assignment{Team: "AutoFiTeam", Worker: "QueryWorker", Instruction: "slow positions query"}
	fast := state.Assignment{Team: "AutoFiTeam", Worker: "StrategyWorker", Instruction: "fast strategy query"}
	h := newHarness(t, &model{
		route: func(n int, req llm.Request) (*llm.Response, error) {
			if n == 1 {
				return decision(t, false, slow, fast), nil
			}
			return decision(t, true), nil
		},
		worker: func(req llm.Request) (*llm.Response, error) {
			if strings.Contains(llmtest.SystemPrompt(req), "slow positions query") {
				time.Sleep(50 * time.Millisecond)
			}
			return llmtest.Text("done"), nil
		},
	})
	h.limits.KeepMessages = 100

	res, err := h.engine.Run(context.Background(), Turn{ThreadID: "u1", UserID: "u1", UserInput: "both"},
		streaming.NewSink("u1", nil, zaptest.NewLogger(t)))
	require.NoError(t, err)

	var order []state.Role
	for _, e := range res.State.Messages {
		if e.Role == "QueryWorker" || e.Role == "StrategyWorker" {
			order = append(order, e.Role)
		}
	}
	assert.Equal(t, []state.Role{"QueryWorker", "StrategyWorker"}, order)
}

func TestSummarizeKeepsRecentEntries(t *testing.T) {
	h := newHarness(t, &model{route: func(int, llm.Request) (*llm.Response, error) {
		return decision(t, true), nil
	}})
	st := state.New()
	for i := 0; i < 20; i++ {
		st.Messages = append(st.Messages, state.NewEntry(state.RoleSystem, fmt.Sprintf("old %d", i)))
	}
	require.NoError(t, h.store.Save(context.Background(), "u1", st))

	res, err := h.engine.Run(context.Background(), Turn{ThreadID: "u1", UserID: "u1", UserInput: "hi"},
		streaming.NewSink("u1", nil, zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.Len(t, res.State.Messages, 10)
	last := res.State.Messages[len(res.State.Messages)-1]
	assert.Equal(t, state.RoleGenerator, last.Role)
}

func TestBusyThreadRejected(t *testing.T) {
	h := newHarness(t, &model{})
	unlock, err := h.engine.Locks().TryLock("u1")
	require.NoError(t, err)
	defer unlock()

	_, err = h.engine.Run(context.Background(), Turn{ThreadID: "u1", UserID: "u1", UserInput: "hi"},
		streaming.NewSink("u1", nil, zaptest.NewLogger(t)))
	assert.ErrorIs(t, err, ErrThreadBusy)
}

func TestConflictingTriggersRejected(t *testing.T) {
	h := newHarness(t, &model{})
	_, err := h.engine.Run(context.Background(), Turn{
		ThreadID:   "u1",
		UserInput:  "hi",
		UserAction: &state.UserAction{Type: state.ActionDeposit},
	}, streaming.NewSink("u1", nil, zaptest.NewLogger(t)))
	assert.ErrorIs(t, err, state.ErrConflictingTriggers)
}
