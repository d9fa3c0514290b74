// Package ratecontrol keeps one token bucket per user.
package ratecontrol

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is a per-user request budget. A non-positive RPS disables limiting.
type Limit struct {
	RPS   float64 `mapstructure:"per_user_rps" yaml:"per_user_rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

func (l Limit) enabled() bool { return l.RPS > 0 }

func (l Limit) burst() int {
	if l.Burst <= 0 {
		return 1
	}
	return l.Burst
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out per-user token buckets. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limit   Limit
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates a limiter with the given budget.
func New(limit Limit) *Limiter {
	return &Limiter{limit: limit, buckets: make(map[string]*bucket), now: time.Now}
}

// Allow reports whether userID may start a request now.
func (l *Limiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.limit.enabled() {
		return true
	}
	now := l.now()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.limit.RPS), l.limit.burst())}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// SetLimit changes the budget for new and existing buckets.
func (l *Limiter) SetLimit(limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	if !limit.enabled() {
		l.buckets = make(map[string]*bucket)
		return
	}
	now := l.now()
	for _, b := range l.buckets {
		b.limiter.SetLimitAt(now, rate.Limit(limit.RPS))
		b.limiter.SetBurstAt(now, limit.burst())
	}
}

// Limit returns the current budget.
func (l *Limiter) Limit() Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Sweep drops buckets idle for longer than idle and returns how many were
// removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			n++
		}
	}
	return n
}
