// Package cache holds the shared ephemeral state of the gateway: fixed-window
// counters, per-key locks and replay nonces. Redis backs multi-instance
// deployments; the in-memory store serves single-node runs and tests.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when a lock could not be taken in time
var ErrLockTimeout = errors.New("lock acquisition timed out")

// CounterStore increments fixed-window counters atomically
type CounterStore interface {
	// Incr adds one to key and returns the new value; the key expires at expireAt
	Incr(ctx context.Context, key string, expireAt time.Time) (int64, error)
}

// Locker serializes work on a key across goroutines or instances
type Locker interface {
	// Lock blocks until the key is held, ctx ends or ttl elapses; ttl also
	// bounds how long a crashed holder can keep it
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// NonceStore remembers values for a while
type NonceStore interface {
	// Claim stores key and reports false when it was already present
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
