package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/circuitbreaker"
	"github.com/aegis-agents/chatbot/internal/metrics"
)

//go:embed schema.sql
var schema string

// ErrClosed is returned when a write is queued after Close.
var ErrClosed = errors.New("db: client closed")

// Config holds database configuration
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

func (c *Config) withDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 5
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Client owns the history database and an async write queue. Turn records
// and evaluations are written off the request path.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config Config

	writeQueue chan WriteRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeConversation WriteType = iota
	WriteTypeEvaluation
)

// String returns the table the write lands in.
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeConversation:
		return "conversation_history"
	case WriteTypeEvaluation:
		return "evaluations"
	default:
		return "unknown"
	}
}

// NewClient connects to Postgres, optionally creates the tables and starts
// the write workers.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	config.withDefaults()

	raw, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	raw.SetMaxOpenConns(config.MaxConnections)
	raw.SetMaxIdleConns(config.IdleConnections)
	raw.SetConnMaxLifetime(config.MaxLifetime)

	wrapped := circuitbreaker.NewDatabaseWrapper(raw, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wrapped.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := newClient(wrapped, config, logger)
	if config.AutoMigrate {
		if err := c.Migrate(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	go c.healthCheck()

	logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", config.Workers),
	)
	return c, nil
}

// NewClientWithDB wraps an open handle. Used by tests with sqlmock.
func NewClientWithDB(handle *sqlx.DB, config Config, logger *zap.Logger) *Client {
	config.withDefaults()
	return newClient(circuitbreaker.NewDatabaseWrapper(handle, logger), config, logger)
}

func newClient(wrapped *circuitbreaker.DatabaseWrapper, config Config, logger *zap.Logger) *Client {
	c := &Client{
		db:         wrapped,
		logger:     logger,
		config:     config,
		writeQueue: make(chan WriteRequest, config.QueueSize),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < config.Workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	return c
}

// Migrate creates the history tables when they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()

	var err error
	switch req.Type {
	case WriteTypeConversation:
		if rec, ok := req.Data.(*ConversationRecord); ok {
			err = c.SaveConversation(ctx, rec)
		} else {
			err = fmt.Errorf("unexpected payload %T for %s", req.Data, req.Type)
		}
	case WriteTypeEvaluation:
		if rec, ok := req.Data.(*EvaluationRecord); ok {
			err = c.SaveEvaluation(ctx, rec)
		} else {
			err = fmt.Errorf("unexpected payload %T for %s", req.Data, req.Type)
		}
	default:
		err = fmt.Errorf("unknown write type %d", req.Type)
	}

	status := "ok"
	if err != nil {
		status = "error"
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
	metrics.HistoryWrites.WithLabelValues(req.Type.String(), status).Inc()

	if req.Callback != nil {
		req.Callback(err)
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. A full queue falls back
// to a synchronous write rather than dropping the record.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case c.writeQueue <- req:
		return nil
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
		return nil
	}
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops accepting writes, drains the queue and closes the database.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.logger.Info("Shutting down database client")
	close(c.stopCh)
	c.workerWg.Wait()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	c.logger.Info("Database client closed")
	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
