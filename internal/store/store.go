// Package store provides the small TTL key-value store that the rate
// limiter and the license cache share.
//
// Two backends implement it: Memory, for a single process, and Redis, for
// when several instances sit behind one load balancer and need to agree
// on counts.
package store

import (
	"context"
	"time"
)

// Store is a key-value store where every entry expires.
//
// Implementations must be safe for concurrent use, and Incr must be a
// single atomic increment-and-read: two concurrent callers never see the
// same count.
type Store interface {
	// Incr adds one to the counter at key and returns the new value. When
	// the increment creates the key (value 1), the key expires after ttl.
	// Later increments leave the expiry alone, which makes the window
	// fixed rather than sliding.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the value stored at key. found is false for missing or
	// expired keys.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value at key, replacing any previous value, with a fresh
	// ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases the backend's resources.
	Close() error
}
