// Package ratelimit implements per-method operating budget tracking and
// request gating. The portal measures the server-side cost of every
// method in a rolling window and locks methods that exceed their budget,
// so requests are throttled or blocked client-side before that happens.
package ratelimit

import (
	"time"
)

// RedisKeyPrefix namespaces operating state keys in Redis.
const RedisKeyPrefix = "bx24:operating:"

// Thresholds for operating budget decisions.
const (
	// OperatingLimit is the per-method budget in seconds the portal
	// allows within one rolling window before locking the method.
	OperatingLimit = 480.0

	// OperatingWindow is the length of the rolling measurement window.
	OperatingWindow = 10 * time.Minute

	// WarningFraction applies throttling when consumed budget crosses
	// this share of the limit. This slows down request rate to keep the
	// method usable.
	WarningFraction = 0.75

	// CriticalFraction blocks requests when consumed budget crosses
	// this share of the limit. This prevents the portal from locking
	// the method outright.
	CriticalFraction = 0.95
)

// State represents the last known operating budget of one method.
// The state is shared across all client instances when a Redis store
// is configured.
type State struct {
	// Method is the REST method this state belongs to.
	Method string `json:"method"`

	// Operating is the number of budget seconds consumed in the current
	// window. Extracted from the timing block of the last response.
	Operating float64 `json:"operating"`

	// ResetAt is the timestamp when the current window ends.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is the timestamp when this state was last updated.
	// Used to detect stale state.
	LastUpdate time.Time `json:"last_update"`
}

// Expired returns true if the window this state was measured in has
// already ended.
func (s *State) Expired() bool {
	return time.Now().After(s.ResetAt)
}

// NeedsBlock returns true if requests to the method should be blocked
// due to critical budget use.
func (s *State) NeedsBlock() bool {
	return !s.Expired() && s.Operating >= CriticalFraction*OperatingLimit
}

// NeedsThrottling returns true if requests to the method should be
// slowed down due to the warning threshold.
func (s *State) NeedsThrottling() bool {
	return !s.Expired() && !s.NeedsBlock() && s.Operating >= WarningFraction*OperatingLimit
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}
