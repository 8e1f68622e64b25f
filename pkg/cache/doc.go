// Package cache provides REST response caching with Redis backend.
//
// The cache manager keeps result blocks of read-only reference methods
// (field definitions, status enumerations) so repeated lookups do not
// consume the portal's request rate or operating budget:
//
// - TTL-based expiry, enforced by Redis key expiration
// - Deterministic cache key generation from method and parameters
// - Per-method flush for portal-side schema changes
// - Prometheus metrics for observability
//
// List methods are not cached by default: their responses change with
// portal data and pagination state. The method allowlist lives in the
// client configuration.
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache manager
//	manager := cache.NewManager(redisClient)
//
//	// Create cache key
//	key := cache.Key{
//		Method: "crm.deal.fields",
//	}
//
//	// Get from cache
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrMiss {
//		// Cache miss - call the portal
//	}
//
// # Storing Responses
//
//	// Convert a response envelope to a cache entry
//	entry := cache.NewEntry(resp.Result, resp.Total, 5*time.Minute)
//
//	// Store in cache
//	if err := manager.Set(ctx, key, entry); err != nil {
//		return err
//	}
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - bx24_cache_hits_total{layer="redis"} - Cache hits
//   - bx24_cache_misses_total - Cache misses
//   - bx24_cache_size_bytes{layer="redis"} - Cache size
//   - bx24_cache_errors_total{operation} - Cache operation errors
package cache
