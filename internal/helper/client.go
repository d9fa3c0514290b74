// Package helper is the client of the helper service, the system of record for
// users, portfolios, positions, strategies and instruments.
package helper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/circuitbreaker"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/tracing"
)

const (
	DefaultTimeout  = 10 * time.Second
	ChartTimeout    = 5 * time.Second
	WithdrawTimeout = 60 * time.Second
)

// ErrTimeout is returned when the helper does not reply in time.
var ErrTimeout = errors.New("helper: request timed out")

// RemoteError carries the error field of a helper response.
type RemoteError struct {
	Subject Subject
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Transport delivers one request and returns the raw reply.
type Transport interface {
	Request(ctx context.Context, subject Subject, body []byte) ([]byte, error)
}

// Service is the helper capability used by tools and action handlers.
type Service interface {
	GetUserAssets(ctx context.Context, req GetUserAssetsRequest) (*GetUserAssetsResponse, error)
	GetInstruments(ctx context.Context, req GetInstrumentsRequest) (*GetInstrumentsResponse, error)
	GetUserPositions(ctx context.Context, req GetUserPositionsRequest) (*GetUserPositionsResponse, error)
	GetUserPositionChartData(ctx context.Context, req GetUserPositionChartDataRequest) (*GetUserPositionChartDataResponse, error)
	GetGlobalInfo(ctx context.Context, req GetGlobalInfoRequest) (*GetGlobalInfoResponse, error)
	GetHotInstruments(ctx context.Context, req GetHotInstrumentsRequest) (*GetHotInstrumentsResponse, error)
	GetInstrument(ctx context.Context, req GetInstrumentRequest) (*GetInstrumentResponse, error)
	GetUserStrategy(ctx context.Context, req GetUserStrategyRequest) (*GetUserStrategyResponse, error)
	GetUser(ctx context.Context, req GetUserRequest) (*GetUserResponse, error)
	UpdateUserStrategy(ctx context.Context, req UpdateUserStrategyRequest) (*UpdateUserStrategyResponse, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResponse, error)
}

// Timeouts bound each class of helper call. Zero fields take the defaults.
type Timeouts struct {
	Default  time.Duration `mapstructure:"default_timeout"`
	Chart    time.Duration `mapstructure:"chart_timeout"`
	Withdraw time.Duration `mapstructure:"withdraw_timeout"`
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Default <= 0 {
		t.Default = DefaultTimeout
	}
	if t.Chart <= 0 {
		t.Chart = ChartTimeout
	}
	if t.Withdraw <= 0 {
		t.Withdraw = WithdrawTimeout
	}
	return t
}

// Client implements Service over a Transport.
type Client struct {
	transport Transport
	guard     *circuitbreaker.Guard
	timeouts  Timeouts
	logger    *zap.Logger
}

// NewClient wraps t. Transport failures, but not remote business errors,
// count against the helper circuit breaker.
func NewClient(t Transport, logger *zap.Logger) *Client {
	return &Client{
		transport: t,
		guard:     circuitbreaker.NewGuard("helper", "helper-rpc", circuitbreaker.AMQPSettings(), logger),
		timeouts:  Timeouts{}.withDefaults(),
		logger:    logger,
	}
}

// WithTimeouts replaces the call timeouts and returns c.
func (c *Client) WithTimeouts(t Timeouts) *Client {
	c.timeouts = t.withDefaults()
	return c
}

type identified interface {
	setReqID(string)
}

func call[Resp any](ctx context.Context, c *Client, subject Subject, req identified, timeout time.Duration) (*Resp, error) {
	req.setReqID(uuid.New().String())
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", subject, err)
	}

	ctx, span := tracing.StartHelperSpan(ctx, string(subject))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var raw []byte
	err = c.guard.Do(ctx, func() error {
		var rerr error
		raw, rerr = c.transport.Request(ctx, subject, body)
		return rerr
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s after %s", ErrTimeout, subject, timeout)
		}
		metrics.RecordHelperMetrics(string(subject), "error", time.Since(start).Seconds())
		c.logger.Error("Helper request failed",
			zap.String("subject", string(subject)),
			zap.ByteString("payload", body),
			zap.Error(err))
		tracing.End(span, err)
		return nil, err
	}

	var head ResponseHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		metrics.RecordHelperMetrics(string(subject), "decode_error", time.Since(start).Seconds())
		tracing.End(span, err)
		return nil, fmt.Errorf("decode %s: %w", subject, err)
	}
	if head.Error != "" {
		metrics.RecordHelperMetrics(string(subject), "remote_error", time.Since(start).Seconds())
		rerr := &RemoteError{Subject: subject, Message: head.Error}
		c.logger.Warn("Helper reported error",
			zap.String("subject", string(subject)),
			zap.String("error", head.Error))
		tracing.End(span, rerr)
		return nil, rerr
	}

	var resp Resp
	if err := json.Unmarshal(raw, &resp); err != nil {
		metrics.RecordHelperMetrics(string(subject), "decode_error", time.Since(start).Seconds())
		tracing.End(span, err)
		return nil, fmt.Errorf("decode %s: %w", subject, err)
	}
	metrics.RecordHelperMetrics(string(subject), "ok", time.Since(start).Seconds())
	tracing.End(span, nil)
	return &resp, nil
}

func (c *Client) GetUserAssets(ctx context.Context, req GetUserAssetsRequest) (*GetUserAssetsResponse, error) {
	return call[GetUserAssetsResponse](ctx, c, SubjectGetUserAssets, &req, c.timeouts.Default)
}

func (c *Client) GetInstruments(ctx context.Context, req GetInstrumentsRequest) (*GetInstrumentsResponse, error) {
	return call[GetInstrumentsResponse](ctx, c, SubjectGetInstruments, &req, c.timeouts.Default)
}

func (c *Client) GetUserPositions(ctx context.Context, req GetUserPositionsRequest) (*GetUserPositionsResponse, error) {
	return call[GetUserPositionsResponse](ctx, c, SubjectGetUserPositions, &req, c.timeouts.Default)
}

func (c *Client) GetUserPositionChartData(ctx context.Context, req GetUserPositionChartDataRequest) (*GetUserPositionChartDataResponse, error) {
	return call[GetUserPositionChartDataResponse](ctx, c, SubjectGetUserPositionChartData, &req, c.timeouts.Chart)
}

func (c *Client) GetGlobalInfo(ctx context.Context, req GetGlobalInfoRequest) (*GetGlobalInfoResponse, error) {
	return call[GetGlobalInfoResponse](ctx, c, SubjectGetGlobalInfo, &req, c.timeouts.Chart)
}

func (c *Client) GetHotInstruments(ctx context.Context, req GetHotInstrumentsRequest) (*GetHotInstrumentsResponse, error) {
	return call[GetHotInstrumentsResponse](ctx, c, SubjectGetHotInstruments, &req, c.timeouts.Chart)
}

func (c *Client) GetInstrument(ctx context.Context, req GetInstrumentRequest) (*GetInstrumentResponse, error) {
	return call[GetInstrumentResponse](ctx, c, SubjectGetInstrument, &req, c.timeouts.Chart)
}

func (c *Client) GetUserStrategy(ctx context.Context, req GetUserStrategyRequest) (*GetUserStrategyResponse, error) {
	return call[GetUserStrategyResponse](ctx, c, SubjectGetUserStrategy, &req, c.timeouts.Default)
}

func (c *Client) GetUser(ctx context.Context, req GetUserRequest) (*GetUserResponse, error) {
	return call[GetUserResponse](ctx, c, SubjectGetUser, &req, c.timeouts.Default)
}

func (c *Client) UpdateUserStrategy(ctx context.Context, req UpdateUserStrategyRequest) (*UpdateUserStrategyResponse, error) {
	return call[UpdateUserStrategyResponse](ctx, c, SubjectUpdateUserStrategy, &req, c.timeouts.Default)
}

func (c *Client) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResponse, error) {
	return call[WithdrawResponse](ctx, c, SubjectWithdraw, &req, c.timeouts.Withdraw)
}
