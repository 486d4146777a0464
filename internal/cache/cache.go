// Package cache records webhook event ids so a redelivered event is
// acknowledged without being processed twice.
package cache

import (
	"context"
	"time"
)

// Deduper remembers keys for a bounded time.
type Deduper interface {
	// MarkSeen records key and reports whether it was not already present.
	// The check and the write are atomic.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Forget removes key so the next delivery is processed again.
	Forget(ctx context.Context, key string) error
}
