// Package client provides the core Bitrix24 REST client with request
// rate limiting, operating budget gating, optional response caching,
// and error handling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/unnamed777/bx24wrapper/pkg/cache"
	"github.com/unnamed777/bx24wrapper/pkg/logging"
	"github.com/unnamed777/bx24wrapper/pkg/ratelimit"
)

const (
	// PageSize is the fixed number of records a list method returns per page.
	PageSize = 50

	// MaxBatchCommands is the most commands one batch round-trip accepts.
	MaxBatchCommands = 50

	// DefaultRequestsPerSecond matches the portal's sustained request rate.
	DefaultRequestsPerSecond = 2.0

	// DefaultBurst allows short request bursts above the sustained rate.
	DefaultBurst = 5

	// DefaultHTTPTimeout bounds a single round-trip.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultCacheTTL is how long cacheable responses are kept.
	DefaultCacheTTL = 5 * time.Minute

	batchMethod = "batch"
)

// Prometheus metrics for REST client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bx24_requests_total",
		Help: "Total REST requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bx24_request_duration_seconds",
		Help:    "REST request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bx24_errors_total",
		Help: "Total REST errors by class",
	}, []string{"class"})

	batchCommands = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bx24_batch_commands",
		Help:    "Number of commands per batch round-trip",
		Buckets: []float64{1, 2, 5, 10, 25, 50},
	})
)

// Config holds client configuration.
type Config struct {
	// Endpoint is the inbound webhook base URL, e.g.
	// https://example.bitrix24.com/rest/1/token
	Endpoint string

	// Redis enables cross-process operating state and response caching
	// when set. Without it the client keeps operating state in memory
	// and does not cache.
	Redis *redis.Client

	// RequestsPerSecond caps the outbound request rate
	// (default: DefaultRequestsPerSecond).
	RequestsPerSecond float64

	// Burst is the short-term request burst allowance (default: DefaultBurst).
	Burst int

	// HTTPTimeout bounds a single round-trip (default: DefaultHTTPTimeout).
	HTTPTimeout time.Duration

	// CacheTTL is the lifetime of cacheable responses (default: DefaultCacheTTL).
	CacheTTL time.Duration

	// CacheMethods is a method suffix allowlist for response caching.
	// Only read-only reference methods belong here (default: ".fields").
	CacheMethods []string
}

// DefaultConfig returns a configuration with sensible defaults for the
// given webhook endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		RequestsPerSecond: DefaultRequestsPerSecond,
		Burst:             DefaultBurst,
		HTTPTimeout:       DefaultHTTPTimeout,
		CacheTTL:          DefaultCacheTTL,
		CacheMethods:      []string{".fields"},
	}
}

// Client is a Bitrix24 REST client.
type Client struct {
	httpClient *http.Client
	endpoint   string
	limiter    *rate.Limiter
	tracker    *ratelimit.Tracker
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// New creates a new REST client from the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("requests per second must not be negative")
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheMethods == nil {
		cfg.CacheMethods = []string{".fields"}
	}

	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		cacheManager = cache.NewManager(cfg.Redis)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		tracker:    ratelimit.NewTracker(cfg.Redis, logging.NewLogger("bx24-ratelimit")),
		cache:      cacheManager,
		config:     cfg,
		logger:     logging.NewLogger("bx24-client"),
	}, nil
}

// CallMethod performs one REST call and returns the decoded envelope.
// A platform-reported error is returned as *APIError alongside the
// envelope so callers can still inspect the raw payload.
func (c *Client) CallMethod(ctx context.Context, method string, params Params) (*Response, error) {
	if method == "" {
		return nil, ErrEmptyMethod
	}

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	if err := c.tracker.Gate(ctx, method); err != nil {
		requestsTotal.WithLabelValues(method, "blocked").Inc()
		return nil, err
	}

	var key cache.Key
	useCache := c.cache != nil && c.cacheable(method)
	if useCache {
		key = cache.Key{Method: method, Query: params.Encode()}
		entry, err := c.cache.Get(ctx, key)
		if err == nil && entry != nil {
			c.logger.Debug().Str("method", method).Bool("cache_hit", true).Msg("serving cached response")
			requestsTotal.WithLabelValues(method, "cached").Inc()
			return &Response{Result: entry.Result, Total: entry.Total}, nil
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn().Err(err).Str("method", method).Msg("cache lookup failed")
		}
	}

	resp, statusCode, err := c.roundTrip(ctx, method, params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			errorsTotal.WithLabelValues(string(apiErr.Class())).Inc()
			requestsTotal.WithLabelValues(method, "error").Inc()
		} else {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(method, "network_error").Inc()
		}
		c.logger.Error().Err(err).Str("method", method).Msg("request failed")
		return nil, err
	}

	if resp.Time != nil {
		if err := c.tracker.Update(ctx, method, resp.Time.Operating, resp.Time.ResetAt()); err != nil {
			c.logger.Warn().Err(err).Str("method", method).Msg("operating state update failed")
		}
	}

	if err := resp.Err(); err != nil {
		apiErr := err.(*APIError)
		apiErr.Method = method
		apiErr.StatusCode = statusCode
		errorsTotal.WithLabelValues(string(apiErr.Class())).Inc()
		requestsTotal.WithLabelValues(method, "error").Inc()
		c.logger.Warn().
			Str("method", method).
			Str("code", apiErr.Code).
			Str("error_class", string(apiErr.Class())).
			Int("status_code", statusCode).
			Msg("portal reported error")
		return resp, apiErr
	}

	requestsTotal.WithLabelValues(method, "ok").Inc()

	if useCache {
		entry := cache.NewEntry(resp.Result, resp.Total, c.config.CacheTTL)
		if err := c.cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("method", method).Msg("cache store failed")
		} else {
			c.logger.Debug().Str("method", method).Dur("ttl", c.config.CacheTTL).Msg("cached response")
		}
	}

	return resp, nil
}

// CallBatch submits the command set as one batch round-trip. Commands
// run server-side in submission order; with haltOnError the portal
// stops at the first failing command. An empty set resolves immediately
// without a network call.
func (c *Client) CallBatch(ctx context.Context, cmds []Command, haltOnError bool) (*BatchResponse, error) {
	if len(cmds) == 0 {
		return newBatchResponse(nil), nil
	}
	if len(cmds) > MaxBatchCommands {
		return nil, fmt.Errorf("%w: %d commands, limit %d", ErrBatchTooLarge, len(cmds), MaxBatchCommands)
	}

	cmdMap := make(map[string]string, len(cmds))
	keys := make([]string, 0, len(cmds))
	for i, cmd := range cmds {
		if cmd.Method == "" {
			return nil, fmt.Errorf("command %d: %w", i, ErrEmptyMethod)
		}
		key := cmd.Key
		if key == "" {
			key = strconv.Itoa(i)
		}
		if _, dup := cmdMap[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		cmdMap[key] = cmd.encode()
		keys = append(keys, key)
	}

	halt := 0
	if haltOnError {
		halt = 1
	}

	batchCommands.Observe(float64(len(cmds)))
	c.logger.Debug().Int("commands", len(cmds)).Int("halt", halt).Msg("submitting batch")

	resp, err := c.CallMethod(ctx, batchMethod, Params{"halt": halt, "cmd": cmdMap})
	if err != nil {
		return nil, err
	}
	return parseBatchResponse(resp, keys)
}

// CallBind subscribes handlerURL to deliveries of the named event.
// authUserID, when positive, selects the portal user the subscription
// authenticates as.
func (c *Client) CallBind(ctx context.Context, event, handlerURL string, authUserID int) (*Response, error) {
	return c.callEvent(ctx, "event.bind", event, handlerURL, authUserID)
}

// CallUnbind removes a subscription previously registered with CallBind.
func (c *Client) CallUnbind(ctx context.Context, event, handlerURL string, authUserID int) (*Response, error) {
	return c.callEvent(ctx, "event.unbind", event, handlerURL, authUserID)
}

func (c *Client) callEvent(ctx context.Context, method, event, handlerURL string, authUserID int) (*Response, error) {
	if event == "" {
		return nil, fmt.Errorf("event name is empty")
	}
	params := Params{"event": event, "handler": handlerURL}
	if authUserID > 0 {
		params["auth_type"] = authUserID
	}
	return c.CallMethod(ctx, method, params)
}

// roundTrip posts the method call and decodes the response envelope.
// The portal reports errors inside a JSON envelope even on 4xx and 5xx
// statuses, so the body is decoded regardless of status code.
func (c *Client) roundTrip(ctx context.Context, method string, params Params) (*Response, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limiter: %w", err)
	}

	body := []byte("{}")
	if params != nil {
		var err error
		body, err = json.Marshal(params)
		if err != nil {
			return nil, 0, fmt.Errorf("encode params: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("post %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		if httpResp.StatusCode >= 400 {
			return nil, httpResp.StatusCode, &APIError{
				Method:      method,
				Code:        fmt.Sprintf("HTTP_%d", httpResp.StatusCode),
				Description: http.StatusText(httpResp.StatusCode),
				StatusCode:  httpResp.StatusCode,
			}
		}
		return nil, httpResp.StatusCode, fmt.Errorf("decode response: %w", err)
	}

	return &resp, httpResp.StatusCode, nil
}

func (c *Client) methodURL(method string) string {
	return c.endpoint + "/" + method + ".json"
}

// cacheable reports whether responses of the method may be served from
// cache. Only methods matching the configured suffix allowlist qualify.
func (c *Client) cacheable(method string) bool {
	m := strings.ToLower(method)
	for _, suffix := range c.config.CacheMethods {
		if strings.HasSuffix(m, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

// GetCache returns the cache manager, or nil when caching is disabled.
// Used in tests.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}

// Close releases client resources. The Redis client is owned by the
// caller and is left open.
func (c *Client) Close() error {
	return nil
}
