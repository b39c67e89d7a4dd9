package ports

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Store.Get for absent or expired keys
var ErrKeyNotFound = errors.New("key not found")

// Store is the shared state behind the funding ledger and the pending access queue.
// A process-local implementation gives every instance its own view, so rate limits
// only hold across instances when all of them share one external store.
type Store interface {
	// Get returns the value for key or ErrKeyNotFound
	Get(ctx context.Context, key string) (string, error)

	// Put stores value unconditionally; ttl <= 0 means no expiry
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// CompareAndSwap replaces old with value atomically. An empty old means
	// "key must be absent". It reports false when the current value differs.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)

	// Delete removes key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error
}
