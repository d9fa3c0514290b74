// Package history records what each turn showed the user and reads it back.
package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/db"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/streaming"
)

// Store is the persistence the recorder needs.
type Store interface {
	QueueWrite(writeType db.WriteType, data interface{}, callback func(error)) error
	RecentConversations(ctx context.Context, userID string, limit int) ([]db.ConversationRecord, error)
}

// Turn is one finished turn.
type Turn struct {
	ReqID      string
	ThreadID   string
	UserID     string
	TaskID     string
	UserInput  string
	UserAction *state.UserAction
	Status     string
	Shown      streaming.Record
}

// Entry is a stored turn as read back.
type Entry struct {
	ReqID            string            `json:"reqId"`
	ThreadID         string            `json:"threadId"`
	TaskID           string            `json:"taskId,omitempty"`
	UserInput        string            `json:"userInput,omitempty"`
	UserAction       *state.UserAction `json:"userAction,omitempty"`
	Generator        string            `json:"generator"`
	ConversationCard *state.Card       `json:"conversationCard,omitempty"`
	DashboardCards   []state.Card      `json:"dashboardCards"`
	Suggestions      []string          `json:"suggestions"`
	Status           string            `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// Recorder writes turn records through the async queue.
type Recorder struct {
	store  Store
	logger *zap.Logger
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record queues t. Write failures are logged, never returned to the caller
// of the turn.
func (r *Recorder) Record(t Turn) error {
	return r.store.QueueWrite(db.WriteTypeConversation, toRecord(t), func(err error) {
		if err != nil {
			r.logger.Warn("Failed to store conversation turn",
				zap.String("req_id", t.ReqID),
				zap.String("thread_id", t.ThreadID),
				zap.Error(err))
		}
	})
}

// Recent returns up to limit turns of userID, newest first.
func (r *Recorder) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := r.store.RecentConversations(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRecord(row))
	}
	return out, nil
}

func toRecord(t Turn) *db.ConversationRecord {
	rec := &db.ConversationRecord{
		ReqID:          t.ReqID,
		ThreadID:       t.ThreadID,
		UserID:         t.UserID,
		TaskID:         nullIfEmpty(t.TaskID),
		UserInput:      nullIfEmpty(t.UserInput),
		Generator:      t.Shown.Reply,
		DashboardCards: db.NewJSONB(t.Shown.DashboardCards),
		Suggestions:    db.NewJSONB(t.Shown.Suggestions),
		Status:         t.Status,
	}
	if t.UserAction != nil {
		rec.UserAction = db.NewJSONB(t.UserAction)
	}
	if t.Shown.ConversationCard != nil {
		rec.ConversationCard = db.NewJSONB(t.Shown.ConversationCard)
	}
	return rec
}

func fromRecord(row db.ConversationRecord) Entry {
	e := Entry{
		ReqID:          row.ReqID,
		ThreadID:       row.ThreadID,
		Generator:      row.Generator,
		DashboardCards: row.DashboardCards.V,
		Suggestions:    row.Suggestions.V,
		Status:         row.Status,
		CreatedAt:      row.CreatedAt,
	}
	if row.TaskID != nil {
		e.TaskID = *row.TaskID
	}
	if row.UserInput != nil {
		e.UserInput = *row.UserInput
	}
	if row.UserAction.Valid {
		e.UserAction = row.UserAction.V
	}
	if row.ConversationCard.Valid {
		e.ConversationCard = row.ConversationCard.V
	}
	if e.DashboardCards == nil {
		e.DashboardCards = []state.Card{}
	}
	if e.Suggestions == nil {
		e.Suggestions = []string{}
	}
	return e
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
