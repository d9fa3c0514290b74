package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker and records metrics consistently
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
}

// NewHTTPWrapper creates a new HTTP wrapper with circuit breaker and metrics
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	cb := NewCircuitBreaker(name, HTTPSettings().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service}
}

// Do executes req through the breaker. 5xx responses count as failures but
// are still returned to the caller; 4xx do not trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := observe(req.Context(), hw.cb, hw.name, hw.service, func() error {
		var err error
		resp, err = hw.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (hw *HTTPWrapper) IsCircuitBreakerOpen() bool {
	return hw.cb.State() == StateOpen
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
