// Package kv defines the key-value store contract that all cross-request
// state in clipgate lives behind: token records, API key records, reveal
// tickets, OAuth state, idempotency results, and rate-limit counters.
// The store is eventually consistent and offers no multi-key transactions;
// callers are written so every cross-request interaction is an idempotent
// record overwrite rather than a read-modify-write that assumes exclusivity.
// Two implementations exist: Redis (production) and Memory (tests, and any
// single-process deployment that can tolerate losing state on restart).
package kv

import (
	"context"
	"time"
)

// Store is the key-value store interface. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key. The second return is false when the key
	// does not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores value under key. A zero ttl means the record never expires.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListPrefix returns all keys that start with prefix.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
