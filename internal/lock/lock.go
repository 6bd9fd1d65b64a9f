// Package lock provides the per-rundown advisory lock used to serialize
// structural mutations.  Locks are non-blocking: TryLock either takes the
// lock immediately or reports that somebody else holds it.
package lock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrNotAcquired is returned by Acquire when every attempt found the lock
// held by somebody else.
var ErrNotAcquired = errors.New("lock: not acquired")

// Lease is a held lock.  Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker takes advisory locks keyed by an integer.
type Locker interface {
	TryLock(ctx context.Context, key int64) (Lease, bool, error)
}

// Key derives the lock key of a rundown: a stable, non-negative hash of its
// id.  Different ids may collide, which only costs unnecessary waiting.
func Key(rundownID string) int64 {
	return int64(xxhash.Sum64String(rundownID) >> 1)
}

func name(key int64) string {
	return "rundown:" + strconv.FormatInt(key, 10)
}

// Acquire calls TryLock up to attempts times, sleeping delay between tries.
// It gives up early when ctx is done.  Errors from the backend are retried
// like contention; the last one is returned joined with ErrNotAcquired.
func Acquire(ctx context.Context, l Locker, key int64, attempts int, delay time.Duration) (Lease, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lease, ok, err := l.TryLock(ctx, key)
		if err == nil && ok {
			return lease, nil
		}
		if err != nil {
			lastErr = err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-t.C:
		}
	}
	if lastErr != nil {
		return nil, errors.Join(ErrNotAcquired, lastErr)
	}
	return nil, ErrNotAcquired
}
