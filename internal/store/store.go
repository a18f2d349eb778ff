// Package store is the durable key-value cache the engine persists
// risk accounting and position snapshots through. Payloads are opaque
// bytes; callers own the JSON encoding.
package store

import (
	"context"
	"time"
)

// Store is a get/put/delete contract with optional TTL. A ttl of zero
// means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
