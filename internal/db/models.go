package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-agents/chatbot/internal/state"
)

// JSONB stores V in a PostgreSQL jsonb column. A zero Valid writes NULL.
type JSONB[T any] struct {
	V     T
	Valid bool
}

// NewJSONB returns a valid JSONB holding v.
func NewJSONB[T any](v T) JSONB[T] {
	return JSONB[T]{V: v, Valid: true}
}

// Value implements the driver.Valuer interface
func (j JSONB[T]) Value() (driver.Value, error) {
	if !j.Valid {
		return nil, nil
	}
	return json.Marshal(j.V)
}

// Scan implements the sql.Scanner interface
func (j *JSONB[T]) Scan(value interface{}) error {
	var zero T
	if value == nil {
		j.V, j.Valid = zero, false
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	j.V = zero
	if err := json.Unmarshal(data, &j.V); err != nil {
		return err
	}
	j.Valid = true
	return nil
}

// ConversationRecord is one turn as the user saw it.
type ConversationRecord struct {
	ID               uuid.UUID                `db:"id"`
	ReqID            string                   `db:"req_id"`
	ThreadID         string                   `db:"thread_id"`
	UserID           string                   `db:"user_id"`
	TaskID           *string                  `db:"task_id"`
	UserInput        *string                  `db:"user_input"`
	UserAction       JSONB[*state.UserAction] `db:"user_action"`
	Generator        string                   `db:"generator"`
	ConversationCard JSONB[*state.Card]       `db:"conversation_card"`
	DashboardCards   JSONB[[]state.Card]      `db:"dashboard_cards"`
	Suggestions      JSONB[[]string]          `db:"suggestions"`
	Status           string                   `db:"status"`
	CreatedAt        time.Time                `db:"created_at"`
}

// Assertions are the boolean checks an evaluation makes about one turn.
type Assertions struct {
	PrematureFinish       bool `json:"premature_finish"`
	MissingToolCall       bool `json:"missing_tool_call"`
	ModifyClaimedComplete bool `json:"modify_claimed_complete"`
	RepeatedDisplay       bool `json:"repeated_display"`
	DomainMismatch        bool `json:"domain_mismatch"`
	HallucinationNumbers  bool `json:"hallucination_numbers"`
}

// EvaluationRecord is a stored judgement of one turn together with the
// input it was made from.
type EvaluationRecord struct {
	ID                uuid.UUID         `db:"id"`
	ReqID             string            `db:"req_id"`
	UserID            string            `db:"user_id"`
	Reasoning         string            `db:"reasoning"`
	Assertions        JSONB[Assertions] `db:"assertions"`
	RelevanceScore    float64           `db:"relevance_score"`
	AccuracyScore     float64           `db:"accuracy_score"`
	UIComplianceScore float64           `db:"ui_compliance_score"`
	Input             JSONB[any]        `db:"input"`
	CreatedAt         time.Time         `db:"created_at"`
}
