// Package notify folds helper position-change events into conversation
// checkpoints so the next turn can mention them.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/checkpoint"
	"github.com/aegis-agents/chatbot/internal/helper"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/state"
)

const (
	maxAttempts = 3
	// storeBudget bounds the checkpoint work after the thread lock is taken.
	storeBudget = 10 * time.Second
)

var ErrMissingUser = errors.New("notify: notification has no user id")

// Subscriber delivers broker messages matching a routing pattern.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, handler helper.Handler) error
}

// Store is the checkpoint access the consumer needs.
type Store interface {
	LoadOrNew(ctx context.Context, threadID string) (*state.TaskState, bool, error)
	SaveIfVersion(ctx context.Context, threadID string, st *state.TaskState, expected int64) error
}

// Locker serializes writers of one thread.
type Locker interface {
	Lock(ctx context.Context, threadID string) (func(), error)
}

// Consumer appends position-change notifications to checkpoints.
type Consumer struct {
	sub         Subscriber
	store       Store
	locks       Locker
	lockTimeout time.Duration
	logger      *zap.Logger
}

// NewConsumer creates a consumer. lockTimeout bounds the wait for a running
// turn on the same thread.
func NewConsumer(sub Subscriber, store Store, locks Locker, lockTimeout time.Duration, logger *zap.Logger) *Consumer {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Minute
	}
	return &Consumer{sub: sub, store: store, locks: locks, lockTimeout: lockTimeout, logger: logger}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Notification consumer started", zap.String("pattern", helper.PositionChangedPattern))
	err := c.sub.Subscribe(ctx, helper.PositionChangedPattern, c.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one position-change message. It is detached from ctx's
// cancellation so a message taken off the queue is finished during shutdown;
// the lock timeout and storeBudget bound it instead. Undecodable messages are
// reported as permanent failures.
func (c *Consumer) Handle(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lockTimeout+storeBudget)
	defer cancel()
	err := c.handle(ctx, routingKey, body)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.NotificationsReceived.WithLabelValues(status).Inc()
	return err
}

func (c *Consumer) handle(ctx context.Context, routingKey string, body []byte) error {
	var ev helper.PositionChanged
	if err := json.Unmarshal(body, &ev); err != nil {
		return helper.Permanent(fmt.Errorf("decode position change: %w", err))
	}
	uid := UserID(routingKey, ev.UID)
	if uid == "" {
		return helper.Permanent(ErrMissingUser)
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	unlock, err := c.locks.Lock(lockCtx, uid)
	if err != nil {
		return fmt.Errorf("lock thread %s: %w", uid, err)
	}
	defer unlock()

	entry := state.NewEntry(state.RoleNotification, Format(ev))
	for attempt := 1; ; attempt++ {
		st, _, err := c.store.LoadOrNew(ctx, uid)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		expected := st.Version
		st.Merge(state.Update{Append: []state.Entry{entry}})
		err = c.store.SaveIfVersion(ctx, uid, st, expected)
		if err == nil {
			c.logger.Info("Notification stored",
				zap.String("thread_id", uid),
				zap.String("req_id", ev.ReqID),
				zap.String("transaction_hash", ev.TransactionHash))
			return nil
		}
		if !errors.Is(err, checkpoint.ErrVersionConflict) || attempt == maxAttempts {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		c.logger.Debug("Checkpoint changed underneath notification, retrying",
			zap.String("thread_id", uid), zap.Int("attempt", attempt))
	}
}

// UserID takes the user from the last routing-key segment and falls back to
// the payload.
func UserID(routingKey, payloadUID string) string {
	prefix := strings.TrimSuffix(helper.PositionChangedPattern, "*")
	if strings.HasPrefix(routingKey, prefix) {
		if id := strings.TrimSpace(strings.TrimPrefix(routingKey, prefix)); id != "" && !strings.Contains(id, ".") {
			return id
		}
	}
	return strings.TrimSpace(payloadUID)
}

// Format renders the notification entry.
func Format(ev helper.PositionChanged) string {
	var b strings.Builder
	b.WriteString("[Notification]: One of the user's auto-fi position has been updated by the auto-fi assistant agent:\n\n")
	fmt.Fprintf(&b, "- update timestamp: %d\n", ev.Timestamp)
	fmt.Fprintf(&b, "- transaction hash: %s\n", ev.TransactionHash)
	fmt.Fprintf(&b, "- explorer link of transaction: %s\n", ev.ExplorerURI)
	b.WriteString("- instrument info of the position updated:\n")
	fmt.Fprintf(&b, "  * instrument name: %s\n", ev.InstrumentOfTransaction.InstrumentType)
	fmt.Fprintf(&b, "  * chain id: %s\n", ev.InstrumentOfTransaction.ChainID)
	fmt.Fprintf(&b, "  * asset (token address): %s\n", ev.InstrumentOfTransaction.Asset)
	b.WriteString("- user's latest positions after updating:\n")
	if len(ev.UserPositionsLeft) == 0 {
		b.WriteString("The user currently has no positions.\n")
		return b.String()
	}
	for i, p := range ev.UserPositionsLeft {
		fmt.Fprintf(&b, "\n[position %d]\n", i+1)
		fmt.Fprintf(&b, "  * instrument name: %s\n", p.PositionMeta.InstrumentType)
		fmt.Fprintf(&b, "  * chain id: %s\n", p.PositionMeta.ChainID)
		fmt.Fprintf(&b, "  * asset (token address): %s\n", p.PositionMeta.Asset)
		fmt.Fprintf(&b, "  * asset amount: %s\n", p.PositionData.AssetAmount)
		fmt.Fprintf(&b, "  * asset amount in usd: $%s\n", p.PositionData.AssetAmountUSD)
		fmt.Fprintf(&b, "  * shares: %s\n", p.PositionData.Shares)
		fmt.Fprintf(&b, "  * pnl in usd: $%s\n", p.PositionData.PnlUSD)
		fmt.Fprintf(&b, "  * roe in usd: $%s\n", p.PositionData.RoeUSD)
	}
	return b.String()
}
