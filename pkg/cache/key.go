package cache

import (
	"strings"
)

// Key represents a unique identifier for a cached REST response.
type Key struct {
	// Method is the REST method name (e.g. "crm.deal.fields").
	Method string

	// Query is the canonically encoded parameter set of the call.
	// Callers must encode parameters deterministically (sorted keys)
	// so equal parameter sets map to the same key.
	Query string
}

// String generates a deterministic cache key string.
// Format: bx24:response:method:query
//
// Example:
//
//	bx24:response:crm.deal.fields
//	bx24:response:crm.status.list:filter%5BENTITY_ID%5D=STATUS
func (k Key) String() string {
	parts := []string{"bx24", "response", k.Method}
	if k.Query != "" {
		parts = append(parts, k.Query)
	}
	return strings.Join(parts, ":")
}
