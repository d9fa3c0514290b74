package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatbot_circuit_breaker_state",
		Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
	}, []string{"name", "service"})

	breakerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbot_circuit_breaker_requests_total",
		Help: "Calls through circuit breakers by state and result",
	}, []string{"name", "service", "state", "result"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbot_circuit_breaker_state_changes_total",
		Help: "Circuit breaker state changes",
	}, []string{"name", "service", "from_state", "to_state"})

	breakerOpenSince = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatbot_circuit_breaker_open_since_seconds",
		Help: "Unix time the breaker opened, 0 when not open",
	}, []string{"name", "service"})
)

type registration struct {
	name    string
	service string
	cb      *CircuitBreaker
}

// MetricsCollector exports breaker state.
type MetricsCollector struct {
	mu   sync.RWMutex
	regs map[string]registration
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{regs: make(map[string]registration)}
}

// GlobalMetricsCollector is shared by every wrapper in the process.
var GlobalMetricsCollector = NewMetricsCollector()

// RegisterCircuitBreaker exports cb under name/service. Registering the same
// pair again replaces the earlier breaker.
func (mc *MetricsCollector) RegisterCircuitBreaker(name, service string, cb *CircuitBreaker) {
	cb.mu.Lock()
	cb.hook = func(from, to State) {
		breakerTransitions.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
		switch {
		case to == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
		case from == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).Set(0)
		}
	}
	cb.mu.Unlock()

	mc.mu.Lock()
	mc.regs[service+"/"+name] = registration{name: name, service: service, cb: cb}
	mc.mu.Unlock()
	breakerState.WithLabelValues(name, service).Set(float64(StateClosed))
}

// RecordRequest counts one call.
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// UpdateMetrics refreshes the state gauges. Reading the state also moves
// idle open breakers to half-open.
func (mc *MetricsCollector) UpdateMetrics() {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for _, r := range mc.regs {
		breakerState.WithLabelValues(r.name, r.service).Set(float64(r.cb.State()))
	}
}

// StartMetricsCollection refreshes breaker state gauges until ctx is done.
func StartMetricsCollection(ctx context.Context) {
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				GlobalMetricsCollector.UpdateMetrics()
			}
		}
	}()
}

// observe runs fn through cb and records the outcome under name/service.
func observe(ctx context.Context, cb *CircuitBreaker, name, service string, fn func() error) error {
	err := cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest(name, service, cb.State(), cb.successful(err))
	return err
}
