package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockBusy(t *testing.T) {
	l := NewThreadLocks()
	unlock, err := l.TryLock("a")
	require.NoError(t, err)

	_, err = l.TryLock("a")
	assert.ErrorIs(t, err, ErrThreadBusy)

	other, err := l.TryLock("b")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := l.TryLock("a")
	require.NoError(t, err)
	again()
	assert.Empty(t, l.locks)
}

func TestLockWaits(t *testing.T) {
	l := NewThreadLocks()
	unlock, err := l.TryLock("a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), "a")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestLockHonorsContext(t *testing.T) {
	l := NewThreadLocks()
	unlock, err := l.TryLock("a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
