package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-agents/chatbot/internal/state"
)

const maxRecentLimit = 100

// SaveConversation inserts a turn record. Suggestions and dashboard cards are
// stored as empty arrays rather than NULL.
func (c *Client) SaveConversation(ctx context.Context, rec *ConversationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if !rec.DashboardCards.Valid || rec.DashboardCards.V == nil {
		rec.DashboardCards = NewJSONB([]state.Card{})
	}
	if !rec.Suggestions.Valid || rec.Suggestions.V == nil {
		rec.Suggestions = NewJSONB([]string{})
	}

	query := `
		INSERT INTO conversation_history (
			id, req_id, thread_id, user_id, task_id, user_input, user_action,
			generator, conversation_card, dashboard_cards, suggestions,
			status, created_at
		) VALUES (
			:id, :req_id, :thread_id, :user_id, :task_id, :user_input, :user_action,
			:generator, :conversation_card, :dashboard_cards, :suggestions,
			:status, :created_at
		)`
	if _, err := c.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save conversation record: %w", err)
	}
	return nil
}

// RecentConversations returns up to limit records for userID, newest first.
func (c *Client) RecentConversations(ctx context.Context, userID string, limit int) ([]ConversationRecord, error) {
	if limit <= 0 || limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	query := `
		SELECT id, req_id, thread_id, user_id, task_id, user_input, user_action,
			generator, conversation_card, dashboard_cards, suggestions,
			status, created_at
		FROM conversation_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	var out []ConversationRecord
	if err := c.db.SelectContext(ctx, &out, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}
	return out, nil
}

// SaveEvaluation inserts an evaluation record.
func (c *Client) SaveEvaluation(ctx context.Context, rec *EvaluationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO evaluations (
			id, req_id, user_id, reasoning, assertions,
			relevance_score, accuracy_score, ui_compliance_score,
			input, created_at
		) VALUES (
			:id, :req_id, :user_id, :reasoning, :assertions,
			:relevance_score, :accuracy_score, :ui_compliance_score,
			:input, :created_at
		)`
	if _, err := c.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save evaluation: %w", err)
	}
	return nil
}
