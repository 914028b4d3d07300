// internal/inmem/locks_test.go
package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarium/internal/fault"
)

func TestAcquireTimesOutIntoConflict(t *testing.T) {
	locks := newKeyedLocks()
	key := uuid.New()

	release, err := locks.acquire(context.Background(), key, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = locks.acquire(context.Background(), key, 10*time.Millisecond)
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestAcquireCancelledIntoConflict(t *testing.T) {
	locks := newKeyedLocks()
	key := uuid.New()

	release, err := locks.acquire(context.Background(), key, time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = locks.acquire(ctx, key, time.Second)
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestAcquireAfterRelease(t *testing.T) {
	locks := newKeyedLocks()
	key := uuid.New()

	release, err := locks.acquire(context.Background(), key, time.Second)
	require.NoError(t, err)
	release()

	release, err = locks.acquire(context.Background(), key, 10*time.Millisecond)
	require.NoError(t, err)
	release()
}

func TestAcquireIndependentKeys(t *testing.T) {
	locks := newKeyedLocks()

	release1, err := locks.acquire(context.Background(), uuid.New(), time.Second)
	require.NoError(t, err)
	defer release1()

	release2, err := locks.acquire(context.Background(), uuid.New(), 10*time.Millisecond)
	require.NoError(t, err)
	defer release2()
}
