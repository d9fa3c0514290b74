package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/aegis-agents/chatbot/internal/engine"
	"github.com/aegis-agents/chatbot/internal/evaluator"
	"github.com/aegis-agents/chatbot/internal/history"
	"github.com/aegis-agents/chatbot/internal/interceptors"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/streaming"
)

type runnerFunc func(ctx context.Context, turn engine.Turn, sink *streaming.Sink) (*engine.Result, error)

func (f runnerFunc) Run(ctx context.Context, turn engine.Turn, sink *streaming.Sink) (*engine.Result, error) {
	return f(ctx, turn, sink)
}

type captured struct {
	mu      sync.Mutex
	turns   []history.Turn
	inputs  []evaluator.Input
	allowed bool
	last    engine.Turn
}

func (c *captured) Record(t history.Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
	return nil
}

func (c *captured) Submit(in evaluator.Input) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, in)
}

func (c *captured) Allow(string) bool { return c.allowed }

func startServer(t *testing.T, runner TurnRunner, c *captured) ChatbotServiceClient {
	t.Helper()
	logger := zaptest.NewLogger(t)
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainStreamInterceptor(
		interceptors.StreamRecovery(logger),
		interceptors.StreamObserver(logger),
	))
	RegisterChatbotServiceServer(srv, NewChatbotService(runner, Options{History: c, Evaluator: c, Limiter: c}, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewChatbotServiceClient(conn)
}

func collect(t *testing.T, stream ChatbotService_StreamChatClient) ([]*streaming.Chunk, error) {
	t.Helper()
	var out []*streaming.Chunk
	for {
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func assetsTurn(_ context.Context, turn engine.Turn, sink *streaming.Sink) (*engine.Result, error) {
	sink.Reasoning("Showing assets.")
	sink.DashboardCard(state.Card{Type: state.CardShowAssets, Args: []any{}})
	sink.GeneratorDelta("You hold ")
	sink.GeneratorDelta("12.5 USDC.")
	sink.Suggestions([]string{"Deposit", "Withdraw", "Show strategy"})
	st := state.New()
	st.TaskID = "task-1"
	st.Messages = []state.Entry{state.NewEntry(state.RoleUser, turn.UserInput)}
	return &engine.Result{TaskID: "task-1", Status: engine.StatusReplied, State: st}, nil
}

func TestStreamChatStreamsTurn(t *testing.T) {
	c := &captured{allowed: true}
	client := startServer(t, runnerFunc(func(ctx context.Context, turn engine.Turn, sink *streaming.Sink) (*engine.Result, error) {
		c.mu.Lock()
		c.last = turn
		c.mu.Unlock()
		return assetsTurn(ctx, turn, sink)
	}), c)

	ctx := metadata.AppendToOutgoingContext(context.Background(), interceptors.RequestIDHeader, "req-42")
	stream, err := client.StreamChat(ctx, &StreamChatRequest{UserID: "user-1", UserInput: "show my assets"})
	require.NoError(t, err)
	chunks, err := collect(t, stream)
	require.NoError(t, err)

	require.Len(t, chunks, 5)
	assert.Equal(t, "Showing assets.", chunks[0].ReasoningChunk.Text)
	assert.JSONEq(t, `[{"type":"show_assets","args":[]}]`, chunks[1].DashboardCardsJSON)
	assert.Equal(t, "You hold ", chunks[2].GeneratorChunk.Text)
	assert.Equal(t, "12.5 USDC.", chunks[3].GeneratorChunk.Text)
	assert.JSONEq(t, `["Deposit","Withdraw","Show strategy"]`, chunks[4].SuggestionsJSON)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "user-1", c.last.ThreadID)
	assert.Equal(t, "show my assets", c.last.UserInput)
	require.Len(t, c.turns, 1)
	assert.Equal(t, "req-42", c.turns[0].ReqID)
	assert.Equal(t, "task-1", c.turns[0].TaskID)
	assert.Equal(t, "replied", c.turns[0].Status)
	assert.Equal(t, "You hold 12.5 USDC.", c.turns[0].Shown.Reply)
	require.Len(t, c.inputs, 1)
	assert.Equal(t, "You hold 12.5 USDC.", c.inputs[0].Generator)
	assert.Len(t, c.inputs[0].Messages, 1)
}

func TestStreamChatEngineErrorEndsWithServiceError(t *testing.T) {
	c := &captured{allowed: true}
	client := startServer(t, runnerFunc(func(_ context.Context, _ engine.Turn, sink *streaming.Sink) (*engine.Result, error) {
		sink.GeneratorDelta("partial")
		return nil, errors.New("load checkpoint: redis down")
	}), c)

	stream, err := client.StreamChat(context.Background(), &StreamChatRequest{UserID: "user-1", UserInput: "hi"})
	require.NoError(t, err)
	chunks, err := collect(t, stream)
	require.NoError(t, err)

	require.Len(t, chunks, 2)
	assert.Equal(t, ServiceErrorText, chunks[1].GeneratorChunk.Text)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.turns, 1)
	assert.Equal(t, "error", c.turns[0].Status)
	assert.Equal(t, "partial"+ServiceErrorText, c.turns[0].Shown.Reply)
	require.Len(t, c.inputs, 1)
	assert.Equal(t, "partial"+ServiceErrorText, c.inputs[0].Generator)
}

func TestStreamChatPanicIsContained(t *testing.T) {
	c := &captured{allowed: true}
	client := startServer(t, runnerFunc(func(context.Context, engine.Turn, *streaming.Sink) (*engine.Result, error) {
		panic("nil map")
	}), c)

	stream, err := client.StreamChat(context.Background(), &StreamChatRequest{UserID: "user-1", UserInput: "hi"})
	require.NoError(t, err)
	chunks, err := collect(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ServiceErrorText, chunks[0].GeneratorChunk.Text)
	c.mu.Lock()
	assert.Len(t, c.turns, 1)
	c.mu.Unlock()
}

func TestStreamChatBusyThread(t *testing.T) {
	c := &captured{allowed: true}
	client := startServer(t, runnerFunc(func(context.Context, engine.Turn, *streaming.Sink) (*engine.Result, error) {
		return nil, engine.ErrThreadBusy
	}), c)

	stream, err := client.StreamChat(context.Background(), &StreamChatRequest{UserID: "user-1", UserInput: "hi"})
	require.NoError(t, err)
	_, err = collect(t, stream)
	assert.Equal(t, codes.Aborted, status.Code(err))
	c.mu.Lock()
	assert.Empty(t, c.turns)
	c.mu.Unlock()
}

func TestStreamChatRateLimited(t *testing.T) {
	c := &captured{allowed: false}
	called := false
	client := startServer(t, runnerFunc(func(context.Context, engine.Turn, *streaming.Sink) (*engine.Result, error) {
		called = true
		return nil, nil
	}), c)

	stream, err := client.StreamChat(context.Background(), &StreamChatRequest{UserID: "user-1", UserInput: "hi"})
	require.NoError(t, err)
	_, err = collect(t, stream)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.False(t, called)
}

func TestStreamChatRejectsBadRequests(t *testing.T) {
	c := &captured{allowed: true}
	client := startServer(t, runnerFunc(assetsTurn), c)

	cases := map[string]*StreamChatRequest{
		"missing user":        {UserInput: "hi"},
		"bad action json":     {UserID: "u", UserAction: json.RawMessage(`"{not json"`)},
		"conflicting trigger": {UserID: "u", UserInput: "hi", UserAction: json.RawMessage(`{"type":"deposit","args":["1","USDC"]}`)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			stream, err := client.StreamChat(context.Background(), req)
			require.NoError(t, err)
			_, err = collect(t, stream)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestParseTurnAcceptsEncodedAndObjectForms(t *testing.T) {
	turn, err := parseTurn(&StreamChatRequest{
		UserID:     "u",
		UserAction: json.RawMessage(`"{\"type\":\"withdraw\",\"args\":[\"1\",\"USDC\",\"0xabc\"]}"`),
	})
	require.NoError(t, err)
	require.NotNil(t, turn.UserAction)
	assert.Equal(t, state.ActionWithdraw, turn.UserAction.Type)

	turn, err = parseTurn(&StreamChatRequest{
		UserID:            "u",
		UserDirectRequest: json.RawMessage(`{"type":"deposit","args":[]}`),
	})
	require.NoError(t, err)
	require.NotNil(t, turn.DirectRequest)
	assert.Equal(t, state.RequestDeposit, turn.DirectRequest.Type)

	turn, err = parseTurn(&StreamChatRequest{UserID: "u", UserAction: json.RawMessage(`""`), UserDirectRequest: json.RawMessage(`null`)})
	require.NoError(t, err)
	assert.Nil(t, turn.UserAction)
	assert.Nil(t, turn.DirectRequest)
	assert.Equal(t, "none", turn.Trigger())
}
