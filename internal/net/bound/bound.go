// Package bound caps in-flight work with a weighted semaphore. Acquire is
// deadline-bounded: a saturated limiter rejects rather than queueing forever.
package bound

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAcquireTimeout is returned when no slot frees up within the acquire
// deadline.
var ErrAcquireTimeout = errors.New("concurrency slot acquire timed out")

// Limiter is a counting semaphore with capacity K and a per-acquire deadline.
type Limiter struct {
	sem            *semaphore.Weighted
	capacity       int64
	acquireTimeout time.Duration
	inUse          atomic.Int64
}

// New builds a limiter with the given capacity. acquireTimeout <= 0 means
// acquires wait only on the caller's context.
func New(capacity int64, acquireTimeout time.Duration) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:            semaphore.NewWeighted(capacity),
		capacity:       capacity,
		acquireTimeout: acquireTimeout,
	}
}

// Acquire claims one slot, waiting up to the acquire deadline. Context
// cancellation is returned as-is; deadline expiry maps to ErrAcquireTimeout.
func (l *Limiter) Acquire(ctx context.Context) error {
	acquireCtx := ctx
	if l.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}
	if err := l.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("capacity %d: %w", l.capacity, ErrAcquireTimeout)
	}
	l.inUse.Add(1)
	return nil
}

// TryAcquire claims a slot without waiting.
func (l *Limiter) TryAcquire() bool {
	if l.sem.TryAcquire(1) {
		l.inUse.Add(1)
		return true
	}
	return false
}

// Release frees one slot.
func (l *Limiter) Release() {
	l.inUse.Add(-1)
	l.sem.Release(1)
}

// InUse returns the number of currently held slots.
func (l *Limiter) InUse() int64 {
	return l.inUse.Load()
}

// Capacity returns K.
func (l *Limiter) Capacity() int64 {
	return l.capacity
}
