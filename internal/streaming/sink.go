// Package streaming carries turn events from the engine to the client.
package streaming

import (
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/state"
)

// TextChunk is a piece of streamed text.
type TextChunk struct {
	Text string `json:"text"`
}

// Chunk is one StreamChat response message. Exactly one field is set.
type Chunk struct {
	ReasoningChunk       *TextChunk `json:"reasoningChunk,omitempty"`
	GeneratorChunk       *TextChunk `json:"generatorChunk,omitempty"`
	ConversationCardJSON string     `json:"conversationCardJson,omitempty"`
	DashboardCardsJSON   string     `json:"dashboardCardsJson,omitempty"`
	SuggestionsJSON      string     `json:"suggestionsJson,omitempty"`
}

// Sender delivers a chunk to the transport. An error means the client is
// gone.
type Sender func(Chunk) error

// Record is what a turn showed the user.
type Record struct {
	Reasoning        []string
	Reply            string
	DashboardCards   []state.Card
	ConversationCard *state.Card
	Suggestions      []string
}

// Sink collects and forwards the events of one turn. It is safe for
// concurrent use; events are forwarded in call order.
type Sink struct {
	mu       sync.Mutex
	threadID string
	send     Sender
	closed   bool
	dropped  int
	record   Record
	reply    strings.Builder
	logger   *zap.Logger
}

// NewSink creates a sink for threadID. A nil send only records.
func NewSink(threadID string, send Sender, logger *zap.Logger) *Sink {
	return &Sink{threadID: threadID, send: send, logger: logger, closed: send == nil}
}

// emit forwards c unless the client is gone. Callers hold s.mu.
func (s *Sink) emit(c Chunk) {
	if s.closed {
		s.dropped++
		return
	}
	if err := s.send(c); err != nil {
		s.closed = true
		s.dropped++
		s.logger.Warn("Client disconnected, dropping further events",
			zap.String("thread_id", s.threadID),
			zap.Error(err))
	}
}

// Reasoning streams the supervisor's reasoning.
func (s *Sink) Reasoning(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Reasoning = append(s.record.Reasoning, text)
	s.emit(Chunk{ReasoningChunk: &TextChunk{Text: text}})
}

// GeneratorDelta streams one piece of the reply.
func (s *Sink) GeneratorDelta(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply.WriteString(text)
	s.emit(Chunk{GeneratorChunk: &TextChunk{Text: text}})
}

// DashboardCard appends card and sends every dashboard card of the turn so
// far.
func (s *Sink) DashboardCard(card state.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.DashboardCards = append(s.record.DashboardCards, card)
	s.emit(Chunk{DashboardCardsJSON: marshal(s.record.DashboardCards)})
}

// ConversationCard sends a card that needs user confirmation.
func (s *Sink) ConversationCard(card state.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := card
	s.record.ConversationCard = &c
	s.emit(Chunk{ConversationCardJSON: marshal(card)})
}

// Suggestions sends the follow-up suggestions.
func (s *Sink) Suggestions(items []string) {
	if items == nil {
		items = []string{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Suggestions = append([]string{}, items...)
	s.emit(Chunk{SuggestionsJSON: marshal(items)})
}

// Close stops forwarding. Events are still recorded.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Disconnected reports whether events are no longer forwarded.
func (s *Sink) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Dropped returns how many events were not delivered.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Record returns a copy of what the turn produced.
func (s *Sink) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record
	r.Reply = s.reply.String()
	r.Reasoning = append([]string{}, s.record.Reasoning...)
	r.DashboardCards = append([]state.Card{}, s.record.DashboardCards...)
	r.Suggestions = append([]string{}, s.record.Suggestions...)
	return r
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
