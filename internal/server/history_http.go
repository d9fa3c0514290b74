package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/history"
)

const defaultHistoryLimit = 20

// HistoryReader reads stored turns.
type HistoryReader interface {
	Recent(ctx context.Context, userID string, limit int) ([]history.Entry, error)
}

// HistoryHandler serves GET /history?user_id=...&limit=... on the admin port.
func HistoryHandler(reader HistoryReader, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		entries, err := reader.Recent(r.Context(), userID, limit)
		if err != nil {
			logger.Error("Failed to read conversation history", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "history unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"userId":  userID,
			"entries": entries,
		})
	})
}
