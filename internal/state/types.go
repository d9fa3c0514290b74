package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role tags the author of a log entry. Worker entries use the worker name.
type Role string

const (
	RoleUser         Role = "User"
	RoleSystem       Role = "System"
	RoleSupervisor   Role = "Supervisor"
	RoleGenerator    Role = "Generator"
	RoleNotification Role = "Notification"
)

// DefaultLanguage is the language assumed until the supervisor detects another one.
const DefaultLanguage = "English"

var (
	ErrConflictingTriggers = errors.New("state: more than one turn trigger set")
	ErrUnknownActionType   = errors.New("state: unknown user action type")
	ErrUnknownRequestType  = errors.New("state: unknown direct request type")
)

// Entry is one message in the shared conversation log.
type Entry struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewEntry creates an entry with a fresh id.
func NewEntry(role Role, content string) Entry {
	return Entry{ID: uuid.New().String(), Role: role, Content: content}
}

// Assignment is a work order for one fan-out round.
type Assignment struct {
	Team        string `json:"team"`
	Worker      string `json:"worker"`
	Instruction string `json:"instruction"`
	// Tool and Args name the call the worker is expected to make. Empty for
	// workers without tools.
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// CardType names a dashboard or conversation card.
type CardType string

const (
	CardWebpage                    CardType = "webpage"
	CardShowUserInfo               CardType = "show_user_info"
	CardShowUserPositions          CardType = "show_user_positions"
	CardShowUserPositionsRoeChart  CardType = "show_user_positions_roe_chart"
	CardShowUserPositionsPnlChart  CardType = "show_user_positions_pnl_chart"
	CardShowProjectTvlChart        CardType = "show_project_tvl_chart"
	CardShowProjectApyChart        CardType = "show_project_apy_chart"
	CardShowHotInstruments         CardType = "show_hot_instruments"
	CardShowInstrumentApyChart     CardType = "show_instrument_apy_chart"
	CardShowInstrumentTvlChart     CardType = "show_instrument_tvl_chart"
	CardShowStrategy               CardType = "show_strategy"
	CardShowAssets                 CardType = "show_assets"
	CardChangeSmartAccount         CardType = "change_smart_account"
	CardChangeStrategy             CardType = "change_strategy"
	CardDeposit                    CardType = "deposit"
	CardWithdraw                   CardType = "withdraw"
)

// IsConversation reports whether the card type requires user confirmation.
func (t CardType) IsConversation() bool {
	switch t {
	case CardChangeSmartAccount, CardChangeStrategy, CardDeposit, CardWithdraw:
		return true
	}
	return false
}

// Card is a display (dashboard) or mutation (conversation) artifact.
type Card struct {
	Type CardType `json:"type"`
	Args []any    `json:"args"`
}

// ActionType identifies a confirmed user action.
type ActionType string

const (
	ActionChangeSmartAccount ActionType = "change_smart_account"
	ActionChangeStrategy     ActionType = "change_strategy"
	ActionDeposit            ActionType = "deposit"
	ActionWithdraw           ActionType = "withdraw"
)

// UserAction is a confirmation posted back from a conversation card.
type UserAction struct {
	Type ActionType `json:"type"`
	Args []any      `json:"args"`
}

// Validate checks the action type is known.
func (a *UserAction) Validate() error {
	switch a.Type {
	case ActionChangeSmartAccount, ActionChangeStrategy, ActionDeposit, ActionWithdraw:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
}

// Arg returns the i-th argument rendered as a string, or "" when absent.
func (a *UserAction) Arg(i int) string {
	if a == nil || i >= len(a.Args) {
		return ""
	}
	return ArgString(a.Args[i])
}

// RequestType identifies a direct UI request.
type RequestType string

const (
	RequestDeposit  RequestType = "deposit"
	RequestWithdraw RequestType = "withdraw"
)

// DirectRequest asks for a conversation card without routing.
type DirectRequest struct {
	Type RequestType `json:"type"`
	Args []any       `json:"args"`
}

// Validate checks the request type is known.
func (r *DirectRequest) Validate() error {
	switch r.Type {
	case RequestDeposit, RequestWithdraw:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownRequestType, r.Type)
}

// TaskState is the per-thread snapshot persisted as the checkpoint.
type TaskState struct {
	UserInput           string         `json:"userInput,omitempty"`
	UserAction          *UserAction    `json:"userAction,omitempty"`
	UserDirectRequest   *DirectRequest `json:"userDirectRequest,omitempty"`
	TaskID              string         `json:"taskId"`
	Messages            []Entry        `json:"messages"`
	Suggestions         []string       `json:"suggestions"`
	ShouldFinish        bool           `json:"shouldFinish"`
	Actions             []Assignment   `json:"actions"`
	Language            string         `json:"language"`
	Summary             string         `json:"summary"`
	LastGeneratorResult string         `json:"lastGeneratorResult,omitempty"`
	Version             int64          `json:"version"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// New returns an empty state for a fresh thread.
func New() *TaskState {
	return &TaskState{
		Messages:    []Entry{},
		Suggestions: []string{},
		Actions:     []Assignment{},
		Language:    DefaultLanguage,
	}
}

// Validate checks the trigger fields are mutually exclusive and well formed.
func (s *TaskState) Validate() error {
	return ValidateTriggers(s.UserInput, s.UserAction, s.UserDirectRequest)
}

// ValidateTriggers enforces that at most one turn trigger is set.
func ValidateTriggers(input string, action *UserAction, req *DirectRequest) error {
	n := 0
	if strings.TrimSpace(input) != "" {
		n++
	}
	if action != nil {
		n++
		if err := action.Validate(); err != nil {
			return err
		}
	}
	if req != nil {
		n++
		if err := req.Validate(); err != nil {
			return err
		}
	}
	if n > 1 {
		return ErrConflictingTriggers
	}
	return nil
}

// ArgString renders a loosely typed JSON argument as text.
func ArgString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
