package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrThreadBusy is returned when a turn is already running for the thread.
var ErrThreadBusy = errors.New("engine: thread busy")

// ThreadLocks serializes work per thread.
type ThreadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	ch   chan struct{}
	refs int
}

// NewThreadLocks creates an empty lock table.
func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{locks: make(map[string]*threadLock)}
}

func (l *ThreadLocks) acquireRef(id string) *threadLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, ok := l.locks[id]
	if !ok {
		tl = &threadLock{ch: make(chan struct{}, 1)}
		l.locks[id] = tl
	}
	tl.refs++
	return tl
}

func (l *ThreadLocks) releaseRef(id string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, id)
	}
}

// TryLock takes the thread lock or fails with ErrThreadBusy.
func (l *ThreadLocks) TryLock(id string) (unlock func(), err error) {
	tl := l.acquireRef(id)
	select {
	case tl.ch <- struct{}{}:
		return l.unlocker(id, tl), nil
	default:
		l.releaseRef(id, tl)
		return nil, ErrThreadBusy
	}
}

// Lock waits for the thread lock until ctx is done.
func (l *ThreadLocks) Lock(ctx context.Context, id string) (unlock func(), err error) {
	tl := l.acquireRef(id)
	select {
	case tl.ch <- struct{}{}:
		return l.unlocker(id, tl), nil
	case <-ctx.Done():
		l.releaseRef(id, tl)
		return nil, ctx.Err()
	}
}

func (l *ThreadLocks) unlocker(id string, tl *threadLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.ch
			l.releaseRef(id, tl)
		})
	}
}
