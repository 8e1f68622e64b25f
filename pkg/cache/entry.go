// Package cache provides REST response caching with a Redis backend
// for read-only reference methods.
package cache

import (
	"encoding/json"
	"time"
)

// Entry represents a cached REST response.
type Entry struct {
	// Result is the result block of the cached envelope.
	Result json.RawMessage `json:"result"`

	// Total is the record count announced by the envelope, when any.
	Total int `json:"total,omitempty"`

	// Expires is when the cache entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this response.
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry creates a cache entry holding the result block of an
// envelope for the given lifetime.
func NewEntry(result json.RawMessage, total int, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Result:   result,
		Total:    total,
		Expires:  now.Add(ttl),
		CachedAt: now,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
