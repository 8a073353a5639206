// Package ratelimit implements a fixed-window counter over the shared
// store. Each bucket's window is keyed by the integer window index, so
// every process agrees on window boundaries without coordination, and the
// counter key expires on its own once the window has passed.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/clipgate/clipgate/internal/kv"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is the start of the next window, when the counter resets.
	ResetAt time.Time
}

// Limiter counts requests per bucket in fixed windows.
type Limiter struct {
	store kv.Store
	now   func() time.Time
}

// NewLimiter creates a Limiter over the given store.
func NewLimiter(store kv.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// SetClock replaces the limiter's time source. Test hook.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Check admits or rejects one request against bucketID, which may take at
// most limit requests per window. The read-increment-write is not atomic;
// concurrent callers can land the same count and briefly overshoot the
// limit, which is acceptable for an abuse guard.
func (l *Limiter) Check(ctx context.Context, bucketID string, limit int, window time.Duration) (*Decision, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("rate limit for %s is not configured", bucketID)
	}

	nowUnix := l.now().Unix()
	index := nowUnix / int64(window/time.Second)
	key := fmt.Sprintf("rate:%s:%d", bucketID, index)
	resetAt := time.Unix((index+1)*int64(window/time.Second), 0).UTC()

	raw, found, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load rate counter %s: %w", key, err)
	}
	count := 0
	if found {
		count, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt rate counter %s: %w", key, err)
		}
	}

	if count >= limit {
		return &Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	count++
	// The TTL keeps stale windows from accumulating; one extra window of
	// slack covers clock skew between processes.
	if err := l.store.Put(ctx, key, strconv.Itoa(count), 2*window); err != nil {
		return nil, fmt.Errorf("store rate counter %s: %w", key, err)
	}
	return &Decision{Allowed: true, Remaining: limit - count, ResetAt: resetAt}, nil
}
