package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
)

// ErrLockNotHeld indicates a release by an instance that does not hold
// the lock, usually because the lease expired under it
var ErrLockNotHeld = errors.New("lock is not held by this instance")

// DistributedLock is an expiring mutual-exclusion lease over the shared
// KV store. The token guards release: only the holder that acquired the
// lease may delete it.
type DistributedLock struct {
	kv    store.KVStore
	key   string
	token string
	ttl   time.Duration

	retryBase time.Duration
	retryMax  time.Duration
}

// NewLock creates a lock on the given key
func NewLock(kv store.KVStore, key string, ttl, retryBase, retryMax time.Duration) *DistributedLock {
	if retryBase <= 0 {
		retryBase = 50 * time.Millisecond
	}
	if retryMax < retryBase {
		retryMax = 2 * time.Second
	}
	return &DistributedLock{
		kv:        kv,
		key:       key,
		token:     uuid.New().String(),
		ttl:       ttl,
		retryBase: retryBase,
		retryMax:  retryMax,
	}
}

// TryAcquire attempts to take the lock without waiting
func (l *DistributedLock) TryAcquire(ctx context.Context) (bool, error) {
	return l.kv.SetNX(ctx, l.key, []byte(l.token), l.ttl)
}

// Acquire takes the lock, retrying with exponential backoff until it
// succeeds or the context is cancelled
func (l *DistributedLock) Acquire(ctx context.Context) error {
	delay := l.retryBase
	for {
		acquired, err := l.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("lock attempt on %s failed: %w", l.key, err)
		}
		if acquired {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.retryMax {
			delay = l.retryMax
		}
	}
}

// Release frees the lock if this instance still holds it
func (l *DistributedLock) Release(ctx context.Context) error {
	holder, err := l.kv.Get(ctx, l.key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrLockNotHeld
		}
		return fmt.Errorf("failed to inspect lock %s: %w", l.key, err)
	}
	if string(holder) != l.token {
		return ErrLockNotHeld
	}
	return l.kv.Delete(ctx, l.key)
}
