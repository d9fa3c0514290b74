package circuitbreaker

import (
	"context"

	"go.uber.org/zap"
)

// Guard is a named breaker with metrics for call sites that have no
// dedicated wrapper, such as broker RPCs.
type Guard struct {
	cb      *CircuitBreaker
	name    string
	service string
}

// NewGuard registers a breaker under name/service.
func NewGuard(name, service string, settings Settings, logger *zap.Logger) *Guard {
	cb := NewCircuitBreaker(name, settings.ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &Guard{cb: cb, name: name, service: service}
}

// Do runs fn through the breaker.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	return observe(ctx, g.cb, g.name, g.service, fn)
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (g *Guard) IsCircuitBreakerOpen() bool {
	return g.cb.State() == StateOpen
}
