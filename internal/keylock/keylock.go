// Package keylock provides per-key mutual exclusion with FIFO fairness.
//
// It is the single concurrency primitive of the orchestrator: one lock per
// tenant key guarantees at most one in-flight execution per tenant, while
// distinct tenants run fully concurrently.
package keylock

import (
	"context"
	"sync"
)

// KeyLock serializes operations per string key. Waiters for a busy key are
// queued in arrival order; an idle key is granted immediately. All state is
// in-memory, so a process restart implicitly clears every lock.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

type lockState struct {
	// waiters is the FIFO queue of pending acquisitions. Each channel is
	// closed exactly once, when its turn arrives.
	waiters []chan struct{}
}

// New returns an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{
		locks: map[string]*lockState{},
	}
}

// WithLock runs fn while holding the lock for key. The lock is released on
// every exit path, including a panic inside fn. Acquisition can only fail by
// context cancellation; the lock itself cannot fail.
func (l *KeyLock) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	defer l.release(key)

	return fn(ctx)
}

// HasPending reports whether executions are queued behind the current holder
// for key. For observability only, never for control flow.
func (l *KeyLock) HasPending(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.locks[key]
	return ok && len(st.waiters) > 0
}

func (l *KeyLock) acquire(ctx context.Context, key string) error {
	l.mu.Lock()

	st, ok := l.locks[key]
	if !ok {
		// Idle key: grant immediately.
		l.locks[key] = &lockState{}
		l.mu.Unlock()
		return nil
	}

	turn := make(chan struct{})
	st.waiters = append(st.waiters, turn)
	l.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		st, ok := l.locks[key]
		if ok {
			for i, w := range st.waiters {
				if w == turn {
					st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
					l.mu.Unlock()
					return ctx.Err()
				}
			}
		}
		l.mu.Unlock()

		// The lock was granted concurrently with the cancellation, the caller
		// never runs, so hand it over to the next waiter.
		l.release(key)
		return ctx.Err()
	}
}

func (l *KeyLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.locks[key]
	if !ok {
		return
	}

	if len(st.waiters) == 0 {
		// Nobody queued: the key goes back to idle and its state is dropped
		// so the table doesn't grow with dead keys.
		delete(l.locks, key)
		return
	}

	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	close(next)
}
