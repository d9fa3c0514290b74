// Package circuitbreaker guards calls to Redis, Postgres, Qdrant and the
// helper broker so a failing dependency fails fast instead of stalling turns.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position. The numeric value is exported as a gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config tunes one breaker.
type Config struct {
	MaxRequests      uint32        // probes admitted while half-open
	Interval         time.Duration // closed-state counter window; 0 keeps counts forever
	Timeout          time.Duration // time spent open before probing
	FailureThreshold uint32        // consecutive failures that open the breaker
	SuccessThreshold uint32        // consecutive probe successes that close it
	OnStateChange    func(name string, from, to State)
	// IsSuccessful classifies a call result; nil means err == nil.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns the fallback tunables.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts are the statistics of the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker counts outcomes per generation. Every state change starts a
// new generation, and results of calls admitted in an older one are dropped.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	// hook is set by the metrics collector.
	hook func(from, to State)

	mu     sync.Mutex
	state  State
	gen    uint64
	counts Counts
	expiry time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{name: name, cfg: cfg, logger: logger, now: time.Now}
	cb.resetWindow(cb.now())
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call. A context that is
// already done is returned without touching the counts.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if r := recover(); r != nil {
			cb.record(gen, false)
			panic(r)
		}
		cb.record(gen, ok)
	}()
	err = fn()
	ok = cb.successful(err)
	return err
}

func (cb *CircuitBreaker) successful(err error) bool {
	if cb.cfg.IsSuccessful != nil {
		return cb.cfg.IsSuccessful(err)
	}
	return err == nil
}

// State returns the current state, moving open to half-open once the open
// timeout has passed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(cb.now())
	return cb.state
}

// Counts returns the counts of the current generation.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(cb.now())
	if cb.state == StateOpen {
		return cb.gen, ErrCircuitBreakerOpen
	}
	if cb.state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return cb.gen, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.gen, nil
}

func (cb *CircuitBreaker) record(gen uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()
	cb.advance(now)
	if gen != cb.gen {
		return
	}

	c := &cb.counts
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen && c.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen, now)
	case c.ConsecutiveFailures >= cb.cfg.FailureThreshold:
		cb.transition(StateOpen, now)
	}
}

// advance applies time-based moves. Callers hold mu.
func (cb *CircuitBreaker) advance(now time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && now.After(cb.expiry) {
			cb.gen++
			cb.resetWindow(now)
		}
	case StateOpen:
		if now.After(cb.expiry) {
			cb.transition(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.gen++
	cb.resetWindow(now)

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	if cb.hook != nil {
		cb.hook(from, to)
	}
}

func (cb *CircuitBreaker) resetWindow(now time.Time) {
	cb.counts = Counts{}
	switch cb.state {
	case StateClosed:
		cb.expiry = time.Time{}
		if cb.cfg.Interval > 0 {
			cb.expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}
