package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrBlocked is returned when a method's operating budget is exhausted
// and the portal would reject the call anyway.
var ErrBlocked = errors.New("method operating budget exhausted")

// throttleDelay slows down calls to methods in the warning band.
const throttleDelay = 1 * time.Second

// Prometheus metrics for operating budget tracking.
var (
	operatingSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bx24_operating_seconds",
		Help: "Operating budget seconds consumed in the current window by method",
	}, []string{"method"})

	operatingBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bx24_operating_blocks_total",
		Help: "Total number of requests blocked due to exhausted operating budget",
	})

	operatingThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bx24_operating_throttles_total",
		Help: "Total number of requests throttled due to operating budget warning",
	})
)

// Tracker monitors per-method operating budgets and gates requests.
type Tracker struct {
	store  Store
	logger zerolog.Logger
}

// NewTracker creates a new tracker. With a Redis client the state is
// shared across processes; without one it stays local to this process.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	var store Store = NewMemoryStore()
	if redisClient != nil {
		store = NewRedisStore(redisClient)
	}
	return &Tracker{store: store, logger: logger}
}

// NewTrackerWithStore creates a tracker on a custom store.
func NewTrackerWithStore(store Store, logger zerolog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// Update records the operating budget reported by a response timing
// block. A zero resetAt assumes a full window from now.
func (t *Tracker) Update(ctx context.Context, method string, operating float64, resetAt time.Time) error {
	now := time.Now()
	if resetAt.IsZero() {
		resetAt = now.Add(OperatingWindow)
	}

	state := &State{
		Method:     method,
		Operating:  operating,
		ResetAt:    resetAt,
		LastUpdate: now,
	}

	if err := t.store.Set(ctx, state); err != nil {
		return err
	}

	operatingSeconds.WithLabelValues(method).Set(operating)

	switch {
	case state.NeedsBlock():
		t.logger.Error().
			Str("method", method).
			Float64("operating", operating).
			Time("reset_at", resetAt).
			Msg("operating budget critical - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Str("method", method).
			Float64("operating", operating).
			Msg("operating budget warning - requests will be throttled")
	default:
		t.logger.Debug().
			Str("method", method).
			Float64("operating", operating).
			Msg("operating budget updated")
	}

	return nil
}

// Gate checks whether a call to the method may proceed. Calls to
// methods in the critical band fail with ErrBlocked; calls in the
// warning band are delayed by throttleDelay.
func (t *Tracker) Gate(ctx context.Context, method string) error {
	state, err := t.store.Get(ctx, method)
	if err != nil {
		return fmt.Errorf("get operating state: %w", err)
	}
	if state == nil {
		return nil
	}

	if state.NeedsBlock() {
		operatingBlocksTotal.Inc()
		t.logger.Error().
			Str("method", method).
			Float64("operating", state.Operating).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("operating budget exhausted - blocking request")
		return fmt.Errorf("%w: %s resets in %s", ErrBlocked, method, state.TimeUntilReset().Round(time.Second))
	}

	if state.NeedsThrottling() {
		operatingThrottlesTotal.Inc()
		t.logger.Warn().
			Str("method", method).
			Float64("operating", state.Operating).
			Msg("operating budget warning - throttling request")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(throttleDelay):
		}
	}

	return nil
}
