// internal/inmem/locks.go
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"librarium/internal/fault"
)

// keyedLocks hands out one exclusive lock per key. Acquire waits a
// bounded time for the holder to finish; a timeout surfaces as a
// retryable conflict instead of blocking the caller indefinitely.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[uuid.UUID]chan struct{})}
}

func (k *keyedLocks) get(key uuid.UUID) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	return ch
}

// acquire takes the lock for key, waiting up to wait. The returned
// release function must be called exactly once.
func (k *keyedLocks) acquire(ctx context.Context, key uuid.UUID, wait time.Duration) (release func(), err error) {
	ch := k.get(key)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fault.Conflictf("wait for book %s interrupted: %v; retry", key, ctx.Err())
	case <-timer.C:
		return nil, fault.Conflictf("timed out waiting for book %s; retry", key)
	}
}
