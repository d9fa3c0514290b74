package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegis-agents/chatbot/internal/llm"
	"github.com/aegis-agents/chatbot/internal/llm/llmtest"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/teams"
)

func catalog(t *testing.T) *teams.Catalog {
	t.Helper()
	c, err := teams.DefaultCatalog()
	require.NoError(t, err)
	return c
}

func routeCall(t *testing.T, d Decision) *llm.Response {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	return llmtest.ToolCall("call_1", routeToolName, string(raw))
}

func taskState(taskID, input string, extra ...state.Entry) *state.TaskState {
	st := state.New()
	st.TaskID = taskID
	st.UserInput = input
	st.Messages = append(st.Messages,
		state.NewEntry(state.RoleSystem, state.StartedMarker(taskID, time.Now())),
		state.NewEntry(state.RoleUser, state.Tag(taskID, state.RoleUser)+input),
	)
	st.Messages = append(st.Messages, extra...)
	return st
}

func supervisorEntry(t *testing.T, taskID string, actions ...state.Assignment) state.Entry {
	t.Helper()
	body, err := json.MarshalIndent(Decision{Language: "English", Actions: actions}, "", "  ")
	require.NoError(t, err)
	return state.NewEntry(state.RoleSupervisor, state.Tag(taskID, state.RoleSupervisor)+" "+string(body))
}

var showPositions = state.Assignment{Team: "AutoFiTeam", Worker: "QueryWorker", Instruction: "Show the user's positions."}

func TestDecideContinues(t *testing.T) {
	fake := &llmtest.Fake{Responses: []*llm.Response{routeCall(t, Decision{
		Language:  "Chinese",
		Reasoning: "需要查看持仓",
		Finish:    true,
		Actions:   []state.Assignment{showPositions},
	})}}
	s := New(fake, catalog(t), "test-model", zaptest.NewLogger(t))

	st := taskState("task-a", "我的持仓怎么样")
	d, u, err := s.Decide(context.Background(), st)
	require.NoError(t, err)

	assert.False(t, d.Finish)
	require.NotNil(t, u.ShouldFinish)
	assert.False(t, *u.ShouldFinish)
	require.NotNil(t, u.Actions)
	assert.Equal(t, []state.Assignment{showPositions}, *u.Actions)
	require.NotNil(t, u.Language)
	assert.Equal(t, "Chinese", *u.Language)

	require.Len(t, u.Append, 1)
	assert.Equal(t, state.RoleSupervisor, u.Append[0].Role)
	assert.True(t, strings.HasPrefix(u.Append[0].Content, "[Task task-a][Supervisor]: {"))

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, routeToolName, reqs[0].ToolChoice)
	require.Len(t, reqs[0].Tools, 1)
	assert.Contains(t, llmtest.SystemPrompt(reqs[0]), "KnowledgeTeam,AccountTeam,AutoFiTeam")
}

func TestDecideSameDisplayTwiceFinishes(t *testing.T) {
	repeat := state.Assignment{Team: "AutoFiTeam", Worker: "QueryWorker", Instruction: "  show the USER'S   positions "}
	fake := &llmtest.Fake{Responses: []*llm.Response{routeCall(t, Decision{Actions: []state.Assignment{repeat}})}}
	s := New(fake, catalog(t), "test-model", zaptest.NewLogger(t))

	st := taskState("task-a", "show positions", supervisorEntry(t, "task-a", showPositions))
	d, u, err := s.Decide(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, d.Finish)
	assert.Empty(t, d.Actions)
	assert.True(t, *u.ShouldFinish)
	assert.Empty(t, *u.Actions)
}

func TestNormalizeNewTaskDoesNotSuppress(t *testing.T) {
	c := catalog(t)
	st := taskState("task-a", "show positions", supervisorEntry(t, "task-a", showPositions))
	st.Messages = append(st.Messages,
		state.NewEntry(state.RoleSystem, state.StartedMarker("task-b", time.Now())),
		state.NewEntry(state.RoleUser, state.Tag("task-b", state.RoleUser)+"show positions again"),
	)
	st.TaskID = "task-b"

	d := &Decision{Actions: []state.Assignment{showPositions}}
	outcome := Normalize(d, st.EvidenceWindow(), c)
	assert.Equal(t, OutcomeContinue, outcome)
	assert.False(t, d.Finish)
	assert.Len(t, d.Actions, 1)
}

func TestNormalizeKeepsOneMutatingAssignment(t *testing.T) {
	c := catalog(t)
	deposit := state.Assignment{Team: "AutoFiTeam", Worker: "AssetsWorker", Instruction: "The user wants to deposit USDC."}
	withdraw := state.Assignment{Team: "AutoFiTeam", Worker: "AssetsWorker", Instruction: "The user wants to withdraw USDC."}
	strategy := state.Assignment{Team: "AutoFiTeam", Worker: "StrategyWorker", Instruction: "Change the strategy to aggressive."}

	d := &Decision{Finish: true, Actions: []state.Assignment{deposit, showPositions, withdraw, strategy}}
	outcome := Normalize(d, taskState("task-a", "deposit").EvidenceWindow(), c)

	assert.Equal(t, OutcomeContinue, outcome)
	assert.False(t, d.Finish)
	assert.Equal(t, []state.Assignment{deposit, showPositions}, d.Actions)
}

func TestNormalizeDisplayByConversationWorkerIsNotMutating(t *testing.T) {
	c := catalog(t)
	assets := state.Assignment{Team: "AutoFiTeam", Worker: "AssetsWorker", Instruction: "Show the user's assets."}
	deposit := state.Assignment{Team: "AutoFiTeam", Worker: "AssetsWorker", Instruction: "Deposit 10 USDC."}

	d := &Decision{Actions: []state.Assignment{assets, deposit}}
	Normalize(d, taskState("task-a", "x").EvidenceWindow(), c)
	assert.Len(t, d.Actions, 2)
}

func TestNormalizeConversationCardSentFinishes(t *testing.T) {
	c := catalog(t)
	worker := state.NewEntry("AssetsWorker", strings.Join([]string{
		"[Task task-a][AssetsWorker]:",
		"Tools called:",
		"- tool name: deposit",
		"  args: {}",
		"  result: ok",
	}, "\n"))
	st := taskState("task-a", "deposit", worker)

	d := &Decision{Actions: []state.Assignment{showPositions}}
	assert.Equal(t, OutcomePending, Normalize(d, st.EvidenceWindow(), c))
	assert.True(t, d.Finish)
	assert.Empty(t, d.Actions)

	// a later user input opens a new window
	st.Messages = append(st.Messages,
		state.NewEntry(state.RoleSystem, state.StartedMarker("task-b", time.Now())))
	st.TaskID = "task-b"
	d = &Decision{Actions: []state.Assignment{showPositions}}
	assert.Equal(t, OutcomeContinue, Normalize(d, st.EvidenceWindow(), c))
}

func TestNormalizeOutOfScopeFinishes(t *testing.T) {
	d := &Decision{OutOfScope: true, Actions: []state.Assignment{showPositions}}
	assert.Equal(t, OutcomeOutOfScope, Normalize(d, taskState("task-a", "weather?").EvidenceWindow(), catalog(t)))
	assert.True(t, d.Finish)
	assert.Empty(t, d.Actions)
}

func TestNormalizeEmptyActionsFinish(t *testing.T) {
	d := &Decision{Finish: false}
	assert.Equal(t, OutcomeFinish, Normalize(d, nil, catalog(t)))
	assert.True(t, d.Finish)
}

func TestDecideMalformed(t *testing.T) {
	tests := []struct {
		name string
		resp *llm.Response
	}{
		{"no tool call", llmtest.Text("FINISH")},
		{"bad json", llmtest.ToolCall("call_1", routeToolName, "{not json")},
		{"other tool", llmtest.ToolCall("call_1", "grade", `{"binaryScore":"yes"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &llmtest.Fake{Responses: []*llm.Response{tt.resp}}
			s := New(fake, catalog(t), "test-model", zaptest.NewLogger(t))
			_, _, err := s.Decide(context.Background(), taskState("task-a", "hi"))
			assert.ErrorIs(t, err, ErrMalformedDecision)
		})
	}
}

func TestDecideUnknownWorker(t *testing.T) {
	fake := &llmtest.Fake{Responses: []*llm.Response{routeCall(t, Decision{
		Actions: []state.Assignment{{Team: "AutoFiTeam", Worker: "GhostWorker", Instruction: "boo"}},
	})}}
	s := New(fake, catalog(t), "test-model", zaptest.NewLogger(t))
	_, _, err := s.Decide(context.Background(), taskState("task-a", "hi"))
	assert.ErrorIs(t, err, teams.ErrUnknownWorker)
}

func TestDecideModelError(t *testing.T) {
	boom := errors.New("upstream down")
	fake := &llmtest.Fake{Handler: func(llm.Request) (*llm.Response, error) { return nil, boom }}
	s := New(fake, catalog(t), "test-model", zaptest.NewLogger(t))
	_, _, err := s.Decide(context.Background(), taskState("task-a", "hi"))
	assert.ErrorIs(t, err, boom)
}

func TestContextPromptSkipsOtherTaskRouting(t *testing.T) {
	c := catalog(t)
	st := taskState("task-a", "old", supervisorEntry(t, "task-a", showPositions))
	st.Messages = append(st.Messages,
		state.NewEntry("QueryWorker", "[Task task-a][QueryWorker]:\nTools called:\n- tool name: show_user_positions"),
		state.NewEntry(state.RoleSystem, state.StartedMarker("task-b", time.Now())),
		state.NewEntry(state.RoleUser, "[Task task-b][User]:new question"),
	)
	st.TaskID = "task-b"
	st.LastGeneratorResult = "Here are your positions."

	p := contextPrompt(st, c)
	assert.NotContains(t, p, "[Task task-a][Supervisor]")
	assert.NotContains(t, p, "[Task task-a][QueryWorker]")
	assert.Contains(t, p, "[Task task-b][User]:new question")
	assert.Contains(t, p, "Here are your positions.")
}

func workerEntry(taskID, worker string, calls ...[2]string) state.Entry {
	lines := []string{state.Tag(taskID, state.Role(worker)), "Tools called:"}
	for _, c := range calls {
		lines = append(lines, "- tool name: "+c[0], "  args: "+strings.ReplaceAll(c[1], "\n", "\n  "), "  result: ok")
	}
	return state.NewEntry(state.Role(worker), strings.Join(lines, "\n"))
}

func TestDecideRewordedDisplayFinishes(t *testing.T) {
	reworded := state.Assignment{
		Team:        "AutoFiTeam",
		Worker:      "QueryWorker",
		Instruction: "Show the user positions.",
		Tool:        "show_user_positions",
	}
	fake := &llmtest.Fake{Responses: []*llm.Response{routeCall(t, Decision{Actions: []state.Assignment{reworded}})}}
	s := New(fake, catalog(t), "test-model", zaptest.NewLogger(t))

	st := taskState("task-a", "show positions",
		supervisorEntry(t, "task-a", showPositions),
		workerEntry("task-a", "QueryWorker", [2]string{"show_user_positions", "{}"}),
	)
	d, u, err := s.Decide(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, d.Finish)
	assert.Empty(t, d.Actions)
	assert.True(t, *u.ShouldFinish)
}

func TestNormalizeComparesToolArgs(t *testing.T) {
	c := catalog(t)
	window := taskState("task-a", "apy of instrument 3",
		workerEntry("task-a", "QueryWorker", [2]string{"show_instrument_apy_chart", "{\n  \"instrumentId\": 3\n}"}),
	).EvidenceWindow()

	other := &Decision{Actions: []state.Assignment{{
		Team: "AutoFiTeam", Worker: "QueryWorker", Instruction: "Chart instrument 4 APY.",
		Tool: "show_instrument_apy_chart", Args: map[string]any{"instrumentId": 4},
	}}}
	assert.Equal(t, OutcomeContinue, Normalize(other, window, c))

	same := &Decision{Actions: []state.Assignment{{
		Team: "AutoFiTeam", Worker: "QueryWorker", Instruction: "Display the APY chart for instrument #3.",
		Tool: "show_instrument_apy_chart", Args: map[string]any{"instrumentId": 3.0},
	}}}
	assert.Equal(t, OutcomeRepeat, Normalize(same, window, c))
	assert.True(t, same.Finish)
}

func TestNormalizeWithoutToolFallsBackToInstruction(t *testing.T) {
	c := catalog(t)
	window := taskState("task-a", "show positions",
		workerEntry("task-a", "QueryWorker", [2]string{"show_user_positions", "{}"}),
	).EvidenceWindow()

	d := &Decision{Actions: []state.Assignment{showPositions}}
	assert.Equal(t, OutcomeContinue, Normalize(d, window, c))
}

func TestDecideDropsToolTheWorkerLacks(t *testing.T) {
	fake := &llmtest.Fake{Responses: []*llm.Response{routeCall(t, Decision{Actions: []state.Assignment{
		{Team: "KnowledgeTeam", Worker: "SelfRAG", Instruction: "What is Aegis?", Tool: "none"},
		{Team: "AutoFiTeam", Worker: "QueryWorker", Instruction: "Show assets.", Tool: "show_assets", Args: map[string]any{"x": 1}},
	}})}}
	s := New(fake, catalog(t), "test-model", zaptest.NewLogger(t))

	d, _, err := s.Decide(context.Background(), taskState("task-a", "hi"))
	require.NoError(t, err)
	require.Len(t, d.Actions, 2)
	for _, a := range d.Actions {
		assert.Empty(t, a.Tool)
		assert.Nil(t, a.Args)
	}
}

func TestContextPromptKeepsCurrentTaskKnowledgeAnswers(t *testing.T) {
	c := catalog(t)
	st := taskState("task-b", "what is aegis?",
		state.NewEntry("SelfRAG", state.Tag("task-a", "SelfRAG")+"\n[SelfRag]: old answer"),
		state.NewEntry("SelfRAG", state.Tag("task-b", "SelfRAG")+"\n[SelfRag]: Aegis automates DeFi yield."),
	)

	prompt := contextPrompt(st, c)
	assert.Contains(t, prompt, "Aegis automates DeFi yield.")
	assert.NotContains(t, prompt, "old answer")
}
