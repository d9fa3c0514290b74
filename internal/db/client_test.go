package db

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegis-agents/chatbot/internal/state"
)

func newMockClient(t *testing.T, cfg Config) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClientWithDB(sqlx.NewDb(raw, "postgres"), cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c, mock
}

func TestSaveConversationDefaultsEmptyArrays(t *testing.T) {
	c, mock := newMockClient(t, Config{Workers: 1})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_history")).
		WithArgs(sqlmock.AnyArg(), "req-1", "thread-1", "user-1", nil, "show my assets", nil,
			"Here are your assets.", nil, []byte("[]"), []byte("[]"), "replied", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	input := "show my assets"
	err := c.SaveConversation(context.Background(), &ConversationRecord{
		ReqID:     "req-1",
		ThreadID:  "thread-1",
		UserID:    "user-1",
		UserInput: &input,
		Generator: "Here are your assets.",
		Status:    "replied",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveConversationEncodesCards(t *testing.T) {
	c, mock := newMockClient(t, Config{Workers: 1})

	action := &state.UserAction{Type: state.ActionDeposit, Args: []any{"10", "USDC"}}
	card := &state.Card{Type: state.CardType("deposit"), Args: []any{10.0, "USDC"}}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_history")).
		WithArgs(sqlmock.AnyArg(), "req-2", "thread-1", "user-1", sqlmock.AnyArg(), nil,
			[]byte(`{"type":"deposit","args":["10","USDC"]}`),
			"", []byte(`{"type":"deposit","args":[10,"USDC"]}`),
			[]byte(`[{"type":"show_assets","args":[]}]`), []byte(`["a","b","c"]`),
			"replied", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	taskID := "task-1"
	err := c.SaveConversation(context.Background(), &ConversationRecord{
		ReqID:            "req-2",
		ThreadID:         "thread-1",
		UserID:           "user-1",
		TaskID:           &taskID,
		UserAction:       NewJSONB(action),
		ConversationCard: NewJSONB(card),
		DashboardCards:   NewJSONB([]state.Card{{Type: state.CardType("show_assets"), Args: []any{}}}),
		Suggestions:      NewJSONB([]string{"a", "b", "c"}),
		Status:           "replied",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentConversationsScansJSON(t *testing.T) {
	c, mock := newMockClient(t, Config{Workers: 1})

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "req_id", "thread_id", "user_id", "task_id", "user_input", "user_action",
		"generator", "conversation_card", "dashboard_cards", "suggestions", "status", "created_at",
	}).AddRow(
		"7f1c7a2e-4a53-4c43-9d55-2f2b7c1e9a10", "req-1", "thread-1", "user-1", "task-1", "hi", nil,
		"Hello!", nil, []byte(`[{"type":"show_assets","args":[]}]`), []byte(`["x"]`), "replied", now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_history")).
		WithArgs("user-1", 5).
		WillReturnRows(rows)

	got, err := c.RecentConversations(context.Background(), "user-1", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Hello!", got[0].Generator)
	assert.False(t, got[0].UserAction.Valid)
	require.True(t, got[0].DashboardCards.Valid)
	assert.Equal(t, state.CardType("show_assets"), got[0].DashboardCards.V[0].Type)
	assert.Equal(t, []string{"x"}, got[0].Suggestions.V)
	require.NotNil(t, got[0].UserInput)
	assert.Equal(t, "hi", *got[0].UserInput)
}

func TestRecentConversationsClampsLimit(t *testing.T) {
	c, mock := newMockClient(t, Config{Workers: 1})

	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_history")).
		WithArgs("user-1", maxRecentLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := c.RecentConversations(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueueWriteRunsCallback(t *testing.T) {
	c, mock := newMockClient(t, Config{Workers: 1})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evaluations")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	done := make(chan error, 1)
	err := c.QueueWrite(WriteTypeEvaluation, &EvaluationRecord{
		ReqID:      "req-1",
		UserID:     "user-1",
		Reasoning:  "fine",
		Assertions: NewJSONB(Assertions{}),
		Input:      NewJSONB[any](map[string]any{"userInput": "hi"}),
	}, func(err error) { done <- err })
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write was not processed")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueWriteReportsDatabaseError(t *testing.T) {
	c, mock := newMockClient(t, Config{Workers: 1})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_history")).
		WillReturnError(errors.New("relation does not exist"))

	done := make(chan error, 1)
	require.NoError(t, c.QueueWrite(WriteTypeConversation, &ConversationRecord{ReqID: "r", Status: "replied"},
		func(err error) { done <- err }))

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "relation does not exist")
	case <-time.After(2 * time.Second):
		t.Fatal("write was not processed")
	}
}

func TestQueueWriteRejectsWrongPayload(t *testing.T) {
	c, _ := newMockClient(t, Config{Workers: 1})

	done := make(chan error, 1)
	require.NoError(t, c.QueueWrite(WriteTypeEvaluation, "not a record", func(err error) { done <- err }))
	assert.Error(t, <-done)
}

func TestCloseDrainsQueue(t *testing.T) {
	c, mock := newMockClient(t, Config{Workers: 1, QueueSize: 10})

	const n = 5
	for i := 0; i < n; i++ {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_history")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectClose()

	var mu sync.Mutex
	written := 0
	for i := 0; i < n; i++ {
		require.NoError(t, c.QueueWrite(WriteTypeConversation, &ConversationRecord{ReqID: "r", Status: "replied"}, func(err error) {
			if err == nil {
				mu.Lock()
				written++
				mu.Unlock()
			}
		}))
	}

	require.NoError(t, c.Close())
	mu.Lock()
	assert.Equal(t, n, written)
	mu.Unlock()
	assert.ErrorIs(t, c.QueueWrite(WriteTypeConversation, &ConversationRecord{}, nil), ErrClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJSONBScan(t *testing.T) {
	var j JSONB[[]string]
	require.NoError(t, j.Scan(`["a"]`))
	assert.True(t, j.Valid)
	assert.Equal(t, []string{"a"}, j.V)

	require.NoError(t, j.Scan(nil))
	assert.False(t, j.Valid)
	assert.Nil(t, j.V)

	assert.Error(t, j.Scan(42))
}
