package health

import (
	"context"
	"errors"
	"time"

	"github.com/aegis-agents/chatbot/internal/circuitbreaker"
)

var errConnectionClosed = errors.New("connection closed")

const (
	defaultCheckTimeout = 5 * time.Second
	slowThreshold       = 100 * time.Millisecond
)

// PingChecker probes a dependency with a single call. Calls slower than the
// slow threshold report degraded.
type PingChecker struct {
	name        string
	critical    bool
	timeout     time.Duration
	ping        func(ctx context.Context) error
	breakerOpen func() bool
}

// NewPingChecker builds a checker from ping. breakerOpen may be nil.
func NewPingChecker(name string, critical bool, timeout time.Duration, ping func(context.Context) error, breakerOpen func() bool) *PingChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &PingChecker{name: name, critical: critical, timeout: timeout, ping: ping, breakerOpen: breakerOpen}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: p.name, Critical: p.critical, Timestamp: start}

	if p.breakerOpen != nil && p.breakerOpen() {
		res.Status = StatusUnhealthy
		res.Error = "circuit breaker open"
		res.Message = p.name + " circuit breaker is open"
		res.Duration = time.Since(start)
		return res
	}

	err := p.ping(ctx)
	res.Duration = time.Since(start)
	res.Details = map[string]any{"latency_ms": res.Duration.Milliseconds()}
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = p.name + " ping failed"
	case res.Duration > slowThreshold:
		res.Status = StatusDegraded
		res.Message = p.name + " responding with high latency"
	default:
		res.Status = StatusHealthy
		res.Message = p.name + " healthy"
	}
	return res
}

// NewRedisChecker probes the checkpoint store.
func NewRedisChecker(rw *circuitbreaker.RedisWrapper, timeout time.Duration) *PingChecker {
	return NewPingChecker("redis", true, timeout,
		func(ctx context.Context) error { return rw.Ping(ctx).Err() },
		rw.IsCircuitBreakerOpen)
}

// NewPostgresChecker probes the history database. History writes are
// best-effort, so it is not critical.
func NewPostgresChecker(dw *circuitbreaker.DatabaseWrapper, timeout time.Duration) *PingChecker {
	return NewPingChecker("postgres", false, timeout, dw.PingContext, dw.IsCircuitBreakerOpen)
}

// Connection is satisfied by the helper AMQP transport.
type Connection interface {
	IsClosed() bool
}

// NewAMQPChecker reports the broker connection state.
func NewAMQPChecker(conn Connection) *PingChecker {
	return NewPingChecker("amqp", true, time.Second, func(context.Context) error {
		if conn.IsClosed() {
			return errConnectionClosed
		}
		return nil
	}, nil)
}

// NewQdrantChecker probes the vector store collection. breakerOpen may be nil.
func NewQdrantChecker(probe func(context.Context) error, breakerOpen func() bool, timeout time.Duration) *PingChecker {
	return NewPingChecker("qdrant", false, timeout, probe, breakerOpen)
}
