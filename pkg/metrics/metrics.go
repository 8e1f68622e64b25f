// Package metrics provides the centralized Prometheus metrics registry for
// the Bitrix24 client. All metrics are defined in their respective packages
// (client, cache, ratelimit) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the Bitrix24 client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - bx24_requests_total{method, status} (Counter): Total REST requests by
//     method and outcome (ok, error, blocked, cached)
//   - bx24_request_duration_seconds{method} (Histogram): Request duration by method
//   - bx24_errors_total{class} (Counter): Errors by class (auth, limit, client, server, network)
//   - bx24_batch_commands (Histogram): Commands per batch round-trip
//
// Operating Budget Metrics (pkg/ratelimit):
//   - bx24_operating_seconds{method} (Gauge): Operating seconds consumed in the
//     current 10 minute window by method
//   - bx24_operating_blocks_total (Counter): Requests blocked because a method
//     exhausted its operating budget
//   - bx24_operating_throttles_total (Counter): Requests throttled at the
//     operating budget warning threshold
//
// Cache Metrics (pkg/cache):
//   - bx24_cache_hits_total{layer="redis"} (Counter): Response cache hits by layer
//   - bx24_cache_misses_total (Counter): Response cache misses
//   - bx24_cache_size_bytes{layer="redis"} (Gauge): Current cache size in bytes
//   - bx24_cache_errors_total{operation} (Counter): Cache operation errors
//     (get, set, delete, flush)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(bx24_cache_hits_total[5m])) /
//   (sum(rate(bx24_cache_hits_total[5m])) + sum(rate(bx24_cache_misses_total[5m])))
//
//   # Methods Near the Operating Lock
//   bx24_operating_seconds > 360
//
//   # Request Error Rate
//   rate(bx24_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(bx24_request_duration_seconds_bucket[5m]))
//
//   # Average Batch Utilization
//   rate(bx24_batch_commands_sum[5m]) / rate(bx24_batch_commands_count[5m])
