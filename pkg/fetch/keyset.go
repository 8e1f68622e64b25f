package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unnamed777/bx24wrapper/pkg/client"
)

const (
	// DefaultPrimaryKey is the record field keyset pagination advances
	// on unless Options say otherwise.
	DefaultPrimaryKey = "ID"

	// filterKeyUpper and filterKeyLower are the two filter parameter
	// spellings used across the portal's method families.
	filterKeyUpper = "FILTER"
	filterKeyLower = "filter"

	// keysetStart disables server-side record counting, which makes
	// list calls considerably cheaper on large datasets.
	keysetStart = -1
)

// FastFetchAll drains a list method through keyset pagination: each
// round asks for records with a primary key greater than the last one
// seen, ordered by that key, until a short page arrives. The portal
// skips record counting in this mode, so rounds stay fast on datasets
// where offset pagination degrades.
func (f *Fetcher) FastFetchAll(ctx context.Context, method string, params client.Params, opts Options) (*Result, error) {
	pk := opts.PrimaryKey
	if pk == "" {
		pk = DefaultPrimaryKey
	}
	filterKey := opts.FilterKey
	if filterKey == "" {
		filterKey = detectFilterKey(params)
	}

	params = params.Clone()
	params["start"] = keysetStart
	ensureOrder(params, pk)

	filter, err := filterMap(params, filterKey)
	if err != nil {
		return nil, f.abort(method, "fastfetchall", err)
	}
	params[filterKey] = filter

	cursorField := ">" + pk
	var lastID any = 0
	var items []json.RawMessage
	rounds := 0

	for {
		rounds++
		filter[cursorField] = lastID

		resp, err := f.caller.CallMethod(ctx, method, params)
		if err != nil {
			return nil, f.abort(method, "fastfetchall", err)
		}
		page, err := extractItems(resp, opts.Getter)
		if err != nil {
			return nil, f.abort(method, "fastfetchall", err)
		}
		items = append(items, page...)

		done := len(page) < client.PageSize
		if opts.Limit > 0 && len(items) >= opts.Limit {
			items = items[:opts.Limit]
			done = true
		}

		if len(items) > 0 {
			id, err := primaryKeyValue(items[len(items)-1], pk)
			if err != nil {
				return nil, f.abort(method, "fastfetchall", err)
			}
			lastID = id
		}

		if done {
			break
		}
	}

	f.logger.Debug().
		Str("method", method).
		Int("rounds", rounds).
		Int("records", len(items)).
		Msg("drained keyset pagination")

	return &Result{Items: items, Total: len(items)}, nil
}

// detectFilterKey picks the filter parameter name the way the caller
// spelled it: an existing FILTER or filter parameter wins, otherwise
// the lowercase spelling is assumed.
func detectFilterKey(params client.Params) string {
	if _, ok := params[filterKeyUpper]; ok {
		return filterKeyUpper
	}
	if _, ok := params[filterKeyLower]; ok {
		return filterKeyLower
	}
	return filterKeyLower
}

// ensureOrder keeps the keyset scan deterministic: without an explicit
// order the portal is asked to sort by the primary key ascending.
func ensureOrder(params client.Params, pk string) {
	if _, ok := params["order"]; ok {
		return
	}
	if _, ok := params["ORDER"]; ok {
		return
	}
	params["order"] = map[string]any{pk: "ASC"}
}

// filterMap returns the caller-supplied filter map under the given key,
// or a fresh one. The cursor condition is merged into it.
func filterMap(params client.Params, key string) (map[string]any, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return map[string]any{}, nil
	}
	switch val := raw.(type) {
	case map[string]any:
		return val, nil
	case client.Params:
		return val, nil
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("filter parameter %q must be a map, got %T", key, raw)
	}
}

// primaryKeyValue extracts the primary key of a record. The portal
// serializes identifiers as strings or numbers depending on the method
// family, so both are accepted.
func primaryKeyValue(record json.RawMessage, key string) (any, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(record, &obj); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	raw, ok := obj[key]
	if !ok {
		return nil, fmt.Errorf("record has no %q field", key)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %q field: %w", key, err)
	}
	return v, nil
}
