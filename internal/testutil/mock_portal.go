// Package testutil provides testing utilities for the Bitrix24 client.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const pageSize = 50

// Envelope is the response of one method invocation before it is
// serialized into the portal wire format.
type Envelope struct {
	Result           any
	Total            int
	Next             *int
	Error            string
	ErrorDescription string

	// Status overrides the HTTP status code. Zero means 200, or 400
	// when Error is set. Batch command envelopes ignore it.
	Status int
}

// MethodHandler produces the envelope for a method invocation.
type MethodHandler func(params map[string]any) *Envelope

type errorRule struct {
	match       func(params map[string]any) bool
	code        string
	description string
}

// Binding is one event handler registration held by the mock portal.
type Binding struct {
	Event      string
	Handler    string
	AuthUserID int
}

// MockPortal is a configurable in-process Bitrix24 portal. It serves
// {method}.json endpoints, pages registered datasets the way list
// methods do (offset and keyset), executes batch round-trips and keeps
// an event registration registry.
type MockPortal struct {
	server *httptest.Server
	mu     sync.RWMutex

	handlers  map[string]MethodHandler
	records   map[string][]json.RawMessage
	getters   map[string]string
	errors    map[string][]errorRule
	operating map[string]float64
	bindings  []Binding

	// Tracking
	RequestCount int
	BatchCount   int
	MethodCounts map[string]int
}

// NewMockPortal creates a started mock portal. Callers own the
// shutdown via Close.
func NewMockPortal() *MockPortal {
	mock := &MockPortal{
		handlers:     make(map[string]MethodHandler),
		records:      make(map[string][]json.RawMessage),
		getters:      make(map[string]string),
		errors:       make(map[string][]errorRule),
		operating:    make(map[string]float64),
		MethodCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleHTTP))
	return mock
}

// URL returns the mock portal base URL, usable as a client endpoint.
func (m *MockPortal) URL() string {
	return m.server.URL
}

// Close shuts down the mock portal.
func (m *MockPortal) Close() {
	m.server.Close()
}

// Reset clears tracking counters, injected errors and event bindings.
// Registered datasets and handlers stay.
func (m *MockPortal) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.BatchCount = 0
	m.MethodCounts = make(map[string]int)
	m.errors = make(map[string][]errorRule)
	m.bindings = nil
}

// SetHandler installs a custom handler for a method.
func (m *MockPortal) SetHandler(method string, handler MethodHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// SetRecords registers a dataset served by the named list method.
// Records must be ascending by their primary key for keyset paging.
func (m *MockPortal) SetRecords(method string, records []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[method] = records
}

// SetGetter nests the method's record list under the given result
// subkey, the way tasks.task.list responds.
func (m *MockPortal) SetGetter(method, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getters[method] = key
}

// SetError makes every invocation of the method fail.
func (m *MockPortal) SetError(method, code, description string) {
	m.setErrorRule(method, errorRule{
		match:       func(map[string]any) bool { return true },
		code:        code,
		description: description,
	})
}

// SetErrorAtOffset makes the method fail only for the page at the
// given start offset.
func (m *MockPortal) SetErrorAtOffset(method string, offset int, code, description string) {
	m.setErrorRule(method, errorRule{
		match:       func(params map[string]any) bool { return asInt(params["start"]) == offset },
		code:        code,
		description: description,
	})
}

func (m *MockPortal) setErrorRule(method string, rule errorRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = append(m.errors[method], rule)
}

// SetOperating reports the given operating seconds in the method's
// response time block.
func (m *MockPortal) SetOperating(method string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operating[method] = seconds
}

// GetRequestCount returns the number of HTTP round-trips served.
func (m *MockPortal) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetBatchCount returns the number of batch round-trips served.
func (m *MockPortal) GetBatchCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.BatchCount
}

// GetMethodCount returns how often the method was invoked, batch
// commands included.
func (m *MockPortal) GetMethodCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.MethodCounts[method]
}

// Bindings returns a copy of the current event registrations.
func (m *MockPortal) Bindings() []Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Binding, len(m.bindings))
	copy(out, m.bindings)
	return out
}

func (m *MockPortal) handleHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.mu.Unlock()

	method := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")

	var params map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&params)
	}
	if params == nil {
		params = map[string]any{}
	}

	if method == "batch" {
		m.handleBatch(w, params)
		return
	}

	env := m.dispatch(method, params)
	m.writeEnvelope(w, method, env)
}

// dispatch resolves a method invocation to an envelope. Injected
// errors win over handlers; handlers win over datasets and builtins.
func (m *MockPortal) dispatch(method string, params map[string]any) *Envelope {
	m.mu.Lock()
	m.MethodCounts[method]++
	rules := m.errors[method]
	handler := m.handlers[method]
	_, hasRecords := m.records[method]
	m.mu.Unlock()

	for _, rule := range rules {
		if rule.match(params) {
			return &Envelope{Error: rule.code, ErrorDescription: rule.description}
		}
	}

	if handler != nil {
		return handler(params)
	}

	if hasRecords {
		return m.serveList(method, params)
	}

	switch method {
	case "profile":
		return &Envelope{Result: map[string]any{"ID": "1", "ADMIN": true}}
	case "event.bind":
		return m.bindEvent(params)
	case "event.unbind":
		return m.unbindEvent(params)
	case "event.get":
		return m.listEvents()
	}

	return &Envelope{Error: "ERROR_METHOD_NOT_FOUND", ErrorDescription: "Method not found!"}
}

// serveList pages a registered dataset. start >= 0 selects an offset
// page with total and next; start == -1 serves a keyset page filtered
// by the ">field" cursor without counting.
func (m *MockPortal) serveList(method string, params map[string]any) *Envelope {
	m.mu.RLock()
	records := m.records[method]
	getter := m.getters[method]
	m.mu.RUnlock()

	start := asInt(params["start"])

	if start == -1 {
		page := keysetPage(records, params)
		return &Envelope{Result: wrapPage(page, getter)}
	}

	if start < 0 || start > len(records) {
		start = len(records)
	}
	end := start + pageSize
	if end > len(records) {
		end = len(records)
	}
	page := records[start:end]

	env := &Envelope{
		Result: wrapPage(page, getter),
		Total:  len(records),
	}
	if end < len(records) {
		next := end
		env.Next = &next
	}
	return env
}

func keysetPage(records []json.RawMessage, params map[string]any) []json.RawMessage {
	field, cursor := cursorFilter(params)

	page := make([]json.RawMessage, 0, pageSize)
	for _, rec := range records {
		if field != "" && recordField(rec, field) <= cursor {
			continue
		}
		page = append(page, rec)
		if len(page) == pageSize {
			break
		}
	}
	return page
}

// cursorFilter extracts the ">field" cursor from whichever filter
// spelling the call used.
func cursorFilter(params map[string]any) (field string, cursor float64) {
	for _, key := range []string{"filter", "FILTER"} {
		filter, ok := params[key].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range filter {
			if strings.HasPrefix(k, ">") {
				return strings.TrimPrefix(k, ">"), asFloat(v)
			}
		}
	}
	return "", 0
}

func recordField(rec json.RawMessage, field string) float64 {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(rec, &obj); err != nil {
		return 0
	}
	raw, ok := obj[field]
	if !ok {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return asFloat(v)
}

func wrapPage(page []json.RawMessage, getter string) any {
	if page == nil {
		page = []json.RawMessage{}
	}
	if getter == "" {
		return page
	}
	return map[string]any{getter: page}
}

// handleBatch executes the commands of a batch round-trip. Commands
// run in the key order the JSON object serializes to, matching how the
// portal iterates the received object; with halt, execution stops at
// the first failing command and later commands get no result entry.
func (m *MockPortal) handleBatch(w http.ResponseWriter, params map[string]any) {
	m.mu.Lock()
	m.BatchCount++
	m.MethodCounts["batch"]++
	m.mu.Unlock()

	halt := asInt(params["halt"]) == 1

	cmds := map[string]string{}
	if raw, ok := params["cmd"].(map[string]any); ok {
		for key, v := range raw {
			if s, ok := v.(string); ok {
				cmds[key] = s
			}
		}
	}
	keys := make([]string, 0, len(cmds))
	for key := range cmds {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	results := map[string]any{}
	resultErrors := map[string]any{}
	totals := map[string]int{}
	nexts := map[string]int{}
	times := map[string]any{}

	for _, key := range keys {
		method, cmdParams := parseCommand(cmds[key])
		env := m.dispatch(method, cmdParams)

		if env.Error != "" {
			resultErrors[key] = map[string]string{
				"error":             env.Error,
				"error_description": env.ErrorDescription,
			}
			if halt {
				break
			}
			continue
		}

		results[key] = env.Result
		if env.Total > 0 {
			totals[key] = env.Total
		}
		if env.Next != nil {
			nexts[key] = *env.Next
		}
		times[key] = m.timeBlock(method)
	}

	body := map[string]any{
		"result": map[string]any{
			"result":       results,
			"result_error": resultErrors,
			"result_total": totals,
			"result_next":  nexts,
			"result_time":  times,
		},
		"time": m.timeBlock("batch"),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// parseCommand splits the method?querystring form batch commands use.
func parseCommand(cmd string) (string, map[string]any) {
	method, query, found := strings.Cut(cmd, "?")
	if !found {
		return method, map[string]any{}
	}
	params, err := parsePHPQuery(query)
	if err != nil {
		return method, map[string]any{}
	}
	return method, params
}

// parsePHPQuery rebuilds nested parameters from PHP bracket notation,
// e.g. filter[>ID]=0&start=-1. Leaf values stay strings, the way PHP
// receives them.
func parsePHPQuery(qs string) (map[string]any, error) {
	values, err := url.ParseQuery(qs)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(values))
	for key, vals := range values {
		value := ""
		if len(vals) > 0 {
			value = vals[len(vals)-1]
		}
		assignBracketed(params, key, value)
	}
	return params, nil
}

func assignBracketed(params map[string]any, key, value string) {
	base := key
	var path []string
	if i := strings.IndexByte(key, '['); i >= 0 {
		base = key[:i]
		rest := key[i:]
		for strings.HasPrefix(rest, "[") {
			j := strings.IndexByte(rest, ']')
			if j < 0 {
				path = append(path, strings.TrimPrefix(rest, "["))
				break
			}
			path = append(path, rest[1:j])
			rest = rest[j+1:]
		}
	}

	if len(path) == 0 {
		params[base] = value
		return
	}

	node := params
	steps := append([]string{base}, path[:len(path)-1]...)
	for _, step := range steps {
		next, ok := node[step].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[step] = next
		}
		node = next
	}
	node[path[len(path)-1]] = value
}

func (m *MockPortal) bindEvent(params map[string]any) *Envelope {
	event, _ := params["event"].(string)
	handler, _ := params["handler"].(string)
	if event == "" || handler == "" {
		return &Envelope{Error: "ERROR_ARGUMENT", ErrorDescription: "event and handler are required"}
	}

	m.mu.Lock()
	m.bindings = append(m.bindings, Binding{
		Event:      event,
		Handler:    handler,
		AuthUserID: asInt(params["auth_type"]),
	})
	m.mu.Unlock()

	return &Envelope{Result: true}
}

func (m *MockPortal) unbindEvent(params map[string]any) *Envelope {
	event, _ := params["event"].(string)
	handler, _ := params["handler"].(string)

	m.mu.Lock()
	kept := m.bindings[:0]
	removed := 0
	for _, b := range m.bindings {
		if b.Event == event && (handler == "" || b.Handler == handler) {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	m.bindings = kept
	m.mu.Unlock()

	return &Envelope{Result: map[string]int{"count": removed}}
}

func (m *MockPortal) listEvents() *Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()

	regs := make([]map[string]string, 0, len(m.bindings))
	for _, b := range m.bindings {
		regs = append(regs, map[string]string{
			"event":     b.Event,
			"handler":   b.Handler,
			"auth_type": strconv.Itoa(b.AuthUserID),
			"offline":   "0",
		})
	}
	return &Envelope{Result: regs, Total: len(regs)}
}

func (m *MockPortal) writeEnvelope(w http.ResponseWriter, method string, env *Envelope) {
	body := map[string]any{
		"time": m.timeBlock(method),
	}
	status := env.Status
	if env.Error != "" {
		body["error"] = env.Error
		body["error_description"] = env.ErrorDescription
		if status == 0 {
			status = http.StatusBadRequest
		}
	} else {
		body["result"] = env.Result
		if env.Total > 0 {
			body["total"] = env.Total
		}
		if env.Next != nil {
			body["next"] = *env.Next
		}
	}
	if status == 0 {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (m *MockPortal) timeBlock(method string) map[string]any {
	m.mu.RLock()
	operating := m.operating[method]
	m.mu.RUnlock()

	now := time.Now()
	start := float64(now.UnixNano()) / 1e9
	return map[string]any{
		"start":              start,
		"finish":             start + 0.01,
		"duration":           0.01,
		"processing":         0.005,
		"date_start":         now.Format("2006-01-02T15:04:05-07:00"),
		"date_finish":        now.Format("2006-01-02T15:04:05-07:00"),
		"operating":          operating,
		"operating_reset_at": now.Add(10 * time.Minute).Unix(),
	}
}

func asInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}

// DealRecords builds n CRM deal records with ascending string
// identifiers starting at 1.
func DealRecords(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := 0; i < n; i++ {
		id := strconv.Itoa(i + 1)
		out[i] = json.RawMessage(`{"ID":"` + id + `","TITLE":"Deal ` + id + `"}`)
	}
	return out
}
