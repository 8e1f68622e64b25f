package client

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Params holds the parameters of a single REST call. Values may be
// scalars, nested maps (filter, order) or slices (select).
type Params map[string]any

// Clone returns a deep copy. Nested maps and slices are copied so the
// clone can be mutated without touching the original.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Params:
		return val.Clone()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case []int:
		out := make([]int, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// Encode serializes the parameters into the PHP-style query string the
// batch method expects, e.g. filter[>ID]=42&order[ID]=ASC&start=50.
// Keys are sorted at every nesting level so equal parameter sets
// always encode identically.
func (p Params) Encode() string {
	if len(p) == 0 {
		return ""
	}
	var pairs []string
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		encodeValue(&pairs, k, p[k])
	}
	return strings.Join(pairs, "&")
}

func encodeValue(pairs *[]string, key string, value any) {
	switch val := value.(type) {
	case nil:
		*pairs = append(*pairs, url.QueryEscape(key)+"=")
	case Params:
		encodeMap(pairs, key, val)
	case map[string]any:
		encodeMap(pairs, key, val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = v
		}
		encodeMap(pairs, key, m)
	case []any:
		for i, item := range val {
			encodeValue(pairs, key+"["+strconv.Itoa(i)+"]", item)
		}
	case []string:
		for i, item := range val {
			encodeValue(pairs, key+"["+strconv.Itoa(i)+"]", item)
		}
	case []int:
		for i, item := range val {
			encodeValue(pairs, key+"["+strconv.Itoa(i)+"]", item)
		}
	default:
		*pairs = append(*pairs, url.QueryEscape(key)+"="+url.QueryEscape(scalarString(value)))
	}
}

func encodeMap(pairs *[]string, key string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		encodeValue(pairs, key+"["+k+"]", m[k])
	}
}

// scalarString renders a scalar value the way PHP query strings expect.
func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Command is a single method invocation prepared for a batch round-trip.
type Command struct {
	// Key labels the command in the batch result set. Empty keys get
	// the command's position assigned at submission time.
	Key string

	// Method is the REST method to invoke.
	Method string

	// Params are the method parameters.
	Params Params
}

// encode renders the command in the method?querystring form the batch
// method expects.
func (c Command) encode() string {
	qs := c.Params.Encode()
	if qs == "" {
		return c.Method
	}
	return c.Method + "?" + qs
}
