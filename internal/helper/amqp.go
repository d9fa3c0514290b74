package helper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/tracing"
)

// AMQPConfig describes the broker connection.
type AMQPConfig struct {
	URL             string `mapstructure:"url"`
	IngressExchange string `mapstructure:"ingress_exchange"`
	EgressExchange  string `mapstructure:"egress_exchange"`
	NotifyQueue     string `mapstructure:"notify_queue"`
	Prefetch        int    `mapstructure:"prefetch"`
}

var ErrClosed = errors.New("helper: transport closed")

// ErrPermanent marks handler failures that redelivery cannot fix.
var ErrPermanent = errors.New("helper: permanent handler failure")

// Permanent wraps err so Subscribe rejects the message instead of requeueing it.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// redeliveryDelay spaces out requeues of a failing message.
const redeliveryDelay = time.Second

// AMQPTransport performs request/reply over RabbitMQ using a private
// auto-delete reply queue and correlation ids.
type AMQPTransport struct {
	cfg     AMQPConfig
	conn    *amqp.Connection
	ch      *amqp.Channel
	replyTo string
	logger  *zap.Logger

	pubMu   sync.Mutex
	mu      sync.Mutex
	pending map[string]chan amqp.Delivery
	closed  bool
	done    chan struct{}
}

// DialAMQP connects to the broker and starts the reply consumer.
func DialAMQP(cfg AMQPConfig, logger *zap.Logger) (*AMQPTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url must not be empty")
	}
	if cfg.IngressExchange == "" {
		cfg.IngressExchange = "helper_ingress"
	}
	if cfg.EgressExchange == "" {
		cfg.EgressExchange = "helper_egress"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set amqp qos: %w", err)
		}
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	replies, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	t := &AMQPTransport{
		cfg:     cfg,
		conn:    conn,
		ch:      ch,
		replyTo: q.Name,
		logger:  logger,
		pending: make(map[string]chan amqp.Delivery),
		done:    make(chan struct{}),
	}
	go t.dispatch(replies)
	return t, nil
}

func (t *AMQPTransport) dispatch(replies <-chan amqp.Delivery) {
	defer close(t.done)
	for d := range replies {
		t.mu.Lock()
		waiter, ok := t.pending[d.CorrelationId]
		if ok {
			delete(t.pending, d.CorrelationId)
		}
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("Dropping uncorrelated helper reply", zap.String("correlation_id", d.CorrelationId))
			continue
		}
		waiter <- d
	}
}

// Request publishes body to the ingress exchange and waits for the reply.
func (t *AMQPTransport) Request(ctx context.Context, subject Subject, body []byte) ([]byte, error) {
	id := uuid.New().String()
	waiter := make(chan amqp.Delivery, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[id] = waiter
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	headers := amqp.Table{}
	if tp := tracing.W3CTraceparent(ctx); tp != "" {
		headers["traceparent"] = tp
	}

	t.pubMu.Lock()
	err := t.ch.PublishWithContext(ctx, t.cfg.IngressExchange, string(subject), false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: id,
		ReplyTo:       t.replyTo,
		Headers:       headers,
		Body:          body,
	})
	t.pubMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", subject, err)
	}

	select {
	case d := <-waiter:
		return d.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

// Handler processes one consumed message. Returning nil acks it, an error
// wrapped with Permanent rejects it, any other error requeues it.
type Handler func(ctx context.Context, routingKey string, body []byte) error

// Subscribe binds a durable queue to the egress exchange with pattern and
// runs handler for every delivery until ctx is cancelled. A delivery already
// handed to handler is settled before Subscribe returns.
func (t *AMQPTransport) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	if t.cfg.Prefetch > 0 {
		if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	if err := ch.ExchangeDeclare(t.cfg.EgressExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.cfg.EgressExchange, err)
	}
	queue := t.cfg.NotifyQueue
	if queue == "" {
		queue = "chatbot.position_changed"
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, pattern, t.cfg.EgressExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ErrClosed
			}
			herr := handler(ctx, msg.RoutingKey, msg.Body)
			outcome, err := settle(msg, herr)
			if err != nil {
				return fmt.Errorf("settle delivery %d: %w", msg.DeliveryTag, err)
			}
			if herr == nil {
				continue
			}
			t.logger.Error("Notification handler error",
				zap.String("routing_key", msg.RoutingKey),
				zap.String("outcome", outcome),
				zap.Error(herr))
			if outcome == outcomeRequeue {
				select {
				case <-ctx.Done():
				case <-time.After(redeliveryDelay):
				}
			}
		}
	}
}

const (
	outcomeAck     = "ack"
	outcomeReject  = "reject"
	outcomeRequeue = "requeue"
)

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settle acks a handled delivery, rejects permanent failures and requeues
// the rest.
func settle(msg acknowledger, err error) (string, error) {
	switch {
	case err == nil:
		return outcomeAck, msg.Ack(false)
	case errors.Is(err, ErrPermanent):
		return outcomeReject, msg.Nack(false, false)
	default:
		return outcomeRequeue, msg.Nack(false, true)
	}
}

// IsClosed reports whether the broker connection is gone.
func (t *AMQPTransport) IsClosed() bool {
	return t.conn == nil || t.conn.IsClosed()
}

// Close shuts the channel and connection.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
