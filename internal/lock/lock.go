// Package lock serializes work on a key (an order or invoice id) across
// goroutines and, with Redis, across server instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context ended.
var ErrNotAcquired = errors.New("lock: not acquired")

// Release gives the lock back. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker takes exclusive per-key locks. Acquire blocks until the lock is held
// or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Local is an in-process keyed mutex for single-instance deployments and
// tests.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an empty in-process Locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Acquire blocks until key is free or ctx ends.
func (l *Local) Acquire(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, s)
		return nil, fmt.Errorf("%w: %w", ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
		return nil
	}, nil
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// backoff returns the wait before the next acquisition attempt.
func backoff(attempt int) time.Duration {
	return 10 * time.Millisecond << min(attempt, 5)
}
