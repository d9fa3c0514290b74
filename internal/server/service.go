// Package server exposes the chatbot over gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aegis-agents/chatbot/internal/engine"
	"github.com/aegis-agents/chatbot/internal/evaluator"
	"github.com/aegis-agents/chatbot/internal/history"
	"github.com/aegis-agents/chatbot/internal/interceptors"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/streaming"
)

// ServiceErrorText is streamed when a turn fails outright.
const ServiceErrorText = "Service error occurred, please try again later."

const defaultTurnTimeout = 5 * time.Minute

// StreamChatRequest starts one turn. userAction and userDirectRequest are
// accepted either as JSON objects or as JSON-encoded strings.
type StreamChatRequest struct {
	UserInput         string          `json:"userInput,omitempty"`
	UserID            string          `json:"userId"`
	UserAction        json.RawMessage `json:"userAction,omitempty"`
	UserDirectRequest json.RawMessage `json:"userDirectRequest,omitempty"`
}

// TurnRunner executes turns.
type TurnRunner interface {
	Run(ctx context.Context, turn engine.Turn, sink *streaming.Sink) (*engine.Result, error)
}

// Recorder stores finished turns.
type Recorder interface {
	Record(t history.Turn) error
}

// Evaluations grades finished turns in the background.
type Evaluations interface {
	Submit(in evaluator.Input)
}

// RateLimiter admits requests per user.
type RateLimiter interface {
	Allow(userID string) bool
}

// Options are the optional collaborators of the service.
type Options struct {
	History     Recorder
	Evaluator   Evaluations
	Limiter     RateLimiter
	TurnTimeout time.Duration
}

// ChatbotService implements chatbot.ChatbotService.
type ChatbotService struct {
	engine TurnRunner
	opts   Options
	logger *zap.Logger
}

// NewChatbotService creates the service.
func NewChatbotService(runner TurnRunner, opts Options, logger *zap.Logger) *ChatbotService {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	return &ChatbotService{engine: runner, opts: opts, logger: logger}
}

// StreamChat runs one turn and streams its events. Once the turn has
// started the stream always ends cleanly; failures are reported in-band.
func (s *ChatbotService) StreamChat(req *StreamChatRequest, stream ChatbotService_StreamChatServer) error {
	turn, err := parseTurn(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if s.opts.Limiter != nil && !s.opts.Limiter.Allow(turn.UserID) {
		metrics.RateLimited.Inc()
		return status.Error(codes.ResourceExhausted, "too many requests")
	}

	reqID := interceptors.RequestID(stream.Context())
	if reqID == "" {
		reqID = uuid.New().String()
	}
	logger := s.logger.With(zap.String("req_id", reqID), zap.String("thread_id", turn.ThreadID))

	sink := streaming.NewSink(turn.ThreadID, func(c streaming.Chunk) error {
		return stream.Send(&c)
	}, logger)

	// The turn outlives a client disconnect so side effects and the
	// checkpoint write complete.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(stream.Context()), s.opts.TurnTimeout)
	defer cancel()

	res, err := s.run(ctx, turn, sink)
	if errors.Is(err, engine.ErrThreadBusy) {
		return status.Error(codes.Aborted, "a turn is already running for this user")
	}

	turnStatus := "error"
	if err != nil {
		logger.Error("StreamChat processing error", zap.Error(err))
		sink.GeneratorDelta(ServiceErrorText)
	} else {
		turnStatus = string(res.Status)
	}
	sink.Close()
	shown := sink.Record()

	s.finish(reqID, turn, res, turnStatus, shown, logger)
	return nil
}

// run executes the turn and converts a panic into an error.
func (s *ChatbotService) run(ctx context.Context, turn engine.Turn, sink *streaming.Sink) (res *engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("turn panicked: %v", r)
		}
	}()
	return s.engine.Run(ctx, turn, sink)
}

// finish queues the history row and the evaluation of a turn.
func (s *ChatbotService) finish(reqID string, turn engine.Turn, res *engine.Result, turnStatus string, shown streaming.Record, logger *zap.Logger) {
	var taskID string
	var messages []state.Entry
	var latestAction string
	if res != nil {
		taskID = res.TaskID
		if res.State != nil {
			messages = res.State.Messages
			latestAction = res.State.LatestUserAction()
		}
	}

	if s.opts.History != nil {
		err := s.opts.History.Record(history.Turn{
			ReqID:      reqID,
			ThreadID:   turn.ThreadID,
			UserID:     turn.UserID,
			TaskID:     taskID,
			UserInput:  turn.UserInput,
			UserAction: turn.UserAction,
			Status:     turnStatus,
			Shown:      shown,
		})
		if err != nil {
			logger.Warn("Failed to queue conversation history", zap.Error(err))
		}
	}

	if s.opts.Evaluator != nil {
		s.opts.Evaluator.Submit(evaluator.Input{
			ReqID:            reqID,
			UserID:           turn.UserID,
			UserInput:        turn.UserInput,
			UserAction:       turn.UserAction,
			LatestAction:     latestAction,
			Generator:        shown.Reply,
			ConversationCard: shown.ConversationCard,
			DashboardCards:   shown.DashboardCards,
			Suggestions:      shown.Suggestions,
			Messages:         messages,
		})
	}
}

// parseTurn decodes the request into a turn. The thread of a user is keyed by
// the user id.
func parseTurn(req *StreamChatRequest) (engine.Turn, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return engine.Turn{}, errors.New("userId is required")
	}
	turn := engine.Turn{ThreadID: userID, UserID: userID, UserInput: req.UserInput}

	var action state.UserAction
	ok, err := decodeEmbedded(req.UserAction, &action)
	if err != nil {
		return engine.Turn{}, fmt.Errorf("invalid userAction: %w", err)
	}
	if ok {
		turn.UserAction = &action
	}

	var direct state.DirectRequest
	ok, err = decodeEmbedded(req.UserDirectRequest, &direct)
	if err != nil {
		return engine.Turn{}, fmt.Errorf("invalid userDirectRequest: %w", err)
	}
	if ok {
		turn.DirectRequest = &direct
	}

	if err := state.ValidateTriggers(turn.UserInput, turn.UserAction, turn.DirectRequest); err != nil {
		return engine.Turn{}, err
	}
	return turn, nil
}

// decodeEmbedded unmarshals raw into v. raw may be an object or a string
// holding JSON; null and empty values decode to nothing.
func decodeEmbedded(raw json.RawMessage, v interface{}) (bool, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == `""` {
		return false, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return false, err
		}
		trimmed = strings.TrimSpace(inner)
		if trimmed == "" || trimmed == "null" {
			return false, nil
		}
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return false, err
	}
	return true, nil
}
