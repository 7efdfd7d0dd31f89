// Package cachestore is the shared K/V layer every server instance reads
// execution and session state through. Three backends expose one contract:
// an in-process LRU, a file-backed store with periodic sweep, and Redis as
// the canonical cross-instance backend.
//
// Values are opaque byte blobs. TTL is best-effort: Get on an expired key
// returns a miss. Backend write failures are logged and swallowed so the
// engine stays functional with degraded persistence.
package cachestore

import (
	"context"
	"time"
)

// Store is the shared cache contract.
type Store interface {
	// Get returns the value for key, or nil when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// MGet returns values positionally; absent keys yield nil entries.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// MSet stores every entry with a single ttl.
	MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
	// Clear removes every key matching prefix (a literal prefix, the "*"
	// suffix of a glob being implied).
	Clear(ctx context.Context, prefix string) error
	// Close releases backend resources.
	Close() error
}

// Key namespaces. No two subsystems share a prefix.
const (
	PrefixSession   = "sess:"
	PrefixExecution = "exec:"
	PrefixUserCache = "cache:"
	PrefixEffect    = "effect:"
)

// SessionCacheKey builds the per-session in-program cache key.
func SessionCacheKey(sessionID, userKey string) string {
	return PrefixUserCache + sessionID + ":" + userKey
}
