package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const databaseService = "history-store"

// DatabaseWrapper wraps a sqlx handle with circuit breaker. sql.ErrNoRows is
// not treated as a failure.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	config := DatabaseSettings().ToConfig()
	config.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, sql.ErrNoRows) }
	cb := NewCircuitBreaker("postgresql", config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("postgresql", databaseService, cb)

	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	return observe(ctx, dw.cb, "postgresql", databaseService, fn)
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error { return dw.db.PingContext(ctx) })
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.run(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

// NamedExecContext wraps a named-parameter exec with circuit breaker
func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.run(ctx, func() error {
		var err error
		result, err = dw.db.NamedExecContext(ctx, query, arg)
		return err
	})
	return result, err
}

// SelectContext scans every row of query into dest with circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.SelectContext(ctx, dest, query, args...) })
}

// GetContext scans a single row of query into dest with circuit breaker
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.GetContext(ctx, dest, query, args...) })
}

// Stats returns pool statistics.
func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

// Close closes the database.
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// SetMaxOpenConns sets the maximum number of open connections.
func (dw *DatabaseWrapper) SetMaxOpenConns(n int) {
	dw.db.SetMaxOpenConns(n)
}

// SetMaxIdleConns sets the maximum number of idle connections.
func (dw *DatabaseWrapper) SetMaxIdleConns(n int) {
	dw.db.SetMaxIdleConns(n)
}

// SetConnMaxLifetime sets the maximum connection lifetime.
func (dw *DatabaseWrapper) SetConnMaxLifetime(d time.Duration) {
	dw.db.SetConnMaxLifetime(d)
}

// GetDB returns the underlying sqlx handle.
func (dw *DatabaseWrapper) GetDB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
