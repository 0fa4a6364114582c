package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockSerializesSameKey(t *testing.T) {
	assert := assert.New(t)

	l := New()

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	// Hammer a single key: at no point may two operations overlap.
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "tenant-a", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(err)
		}()
	}
	wg.Wait()

	assert.Equal(int32(1), atomic.LoadInt32(&maxActive))
}

func TestWithLockDistinctKeysRunConcurrently(t *testing.T) {
	require := require.New(t)

	l := New()

	firstInside := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "tenant-a", func(ctx context.Context) error {
			close(firstInside)
			<-release
			return nil
		})
	}()

	<-firstInside

	// A different key must not wait for tenant-a's lock.
	done := make(chan error, 1)
	go func() {
		done <- l.WithLock(context.Background(), "tenant-b", func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(2 * time.Second):
		require.Fail("tenant-b execution blocked behind tenant-a lock")
	}

	close(release)
}

func TestWithLockFIFOOrder(t *testing.T) {
	assert := assert.New(t)

	l := New()

	var mu sync.Mutex
	var order []int

	holderInside := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "k", func(ctx context.Context) error {
			close(holderInside)
			<-release
			return nil
		})
	}()
	<-holderInside

	// Queue waiters one by one so their arrival order is deterministic.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "k", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Wait until the waiter is queued before adding the next one.
		for pendingCount(l, "k") < i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	close(release)
	wg.Wait()

	assert.Equal([]int{0, 1, 2, 3, 4}, order)
}

func pendingCount(l *KeyLock, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok {
		return 0
	}
	return len(st.waiters)
}

func TestWithLockReleasesOnError(t *testing.T) {
	assert := assert.New(t)

	l := New()

	errBoom := errors.New("something went wrong")
	err := l.WithLock(context.Background(), "k", func(ctx context.Context) error {
		return errBoom
	})
	assert.ErrorIs(err, errBoom)

	// The lock must be free again.
	ran := false
	err = l.WithLock(context.Background(), "k", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.NoError(err)
	assert.True(ran)
}

func TestAcquireCancelledWhileQueued(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	l := New()

	holderInside := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = l.WithLock(context.Background(), "k", func(ctx context.Context) error {
			close(holderInside)
			<-release
			return nil
		})
	}()
	<-holderInside

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.WithLock(ctx, "k", func(ctx context.Context) error { return nil })
	}()

	for !l.HasPending("k") {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		require.Fail("cancelled waiter never returned")
	}

	close(release)

	// The holder's release must still leave the lock usable.
	err := l.WithLock(context.Background(), "k", func(ctx context.Context) error { return nil })
	assert.NoError(err)
	assert.False(l.HasPending("k"))
}

func TestHasPending(t *testing.T) {
	assert := assert.New(t)

	l := New()
	assert.False(l.HasPending("k"))

	holderInside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", func(ctx context.Context) error {
			close(holderInside)
			<-release
			return nil
		})
	}()
	<-holderInside

	// Holding without waiters is not pending.
	assert.False(l.HasPending("k"))

	go func() {
		_ = l.WithLock(context.Background(), "k", func(ctx context.Context) error { return nil })
	}()
	for !l.HasPending("k") {
		time.Sleep(time.Millisecond)
	}
	assert.True(l.HasPending("k"))

	close(release)
}
