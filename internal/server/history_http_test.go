package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegis-agents/chatbot/internal/history"
)

type readerFunc func(ctx context.Context, userID string, limit int) ([]history.Entry, error)

func (f readerFunc) Recent(ctx context.Context, userID string, limit int) ([]history.Entry, error) {
	return f(ctx, userID, limit)
}

func TestHistoryHandler(t *testing.T) {
	var gotLimit int
	h := HistoryHandler(readerFunc(func(_ context.Context, userID string, limit int) ([]history.Entry, error) {
		gotLimit = limit
		return []history.Entry{{ReqID: "r1", Generator: "hello"}}, nil
	}), zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?user_id=u1&limit=3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, gotLimit)

	var body struct {
		UserID  string          `json:"userId"`
		Entries []history.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1", body.UserID)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "hello", body.Entries[0].Generator)
}

func TestHistoryHandlerErrors(t *testing.T) {
	h := HistoryHandler(readerFunc(func(context.Context, string, int) ([]history.Entry, error) {
		return nil, errors.New("db down")
	}), zaptest.NewLogger(t))

	for target, want := range map[string]int{
		"/history":                   http.StatusBadRequest,
		"/history?user_id=u&limit=x": http.StatusBadRequest,
		"/history?user_id=u":         http.StatusServiceUnavailable,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, want, rec.Code, target)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/history?user_id=u", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
