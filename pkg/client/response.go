package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// CallTime mirrors the timing block attached to every REST response.
type CallTime struct {
	Start            float64 `json:"start"`
	Finish           float64 `json:"finish"`
	Duration         float64 `json:"duration"`
	Processing       float64 `json:"processing"`
	DateStart        string  `json:"date_start"`
	DateFinish       string  `json:"date_finish"`
	Operating        float64 `json:"operating"`
	OperatingResetAt int64   `json:"operating_reset_at"`
}

// ResetAt converts the operating window reset timestamp, or returns the
// zero time when the portal did not send one.
func (t *CallTime) ResetAt() time.Time {
	if t == nil || t.OperatingResetAt == 0 {
		return time.Time{}
	}
	return time.Unix(t.OperatingResetAt, 0)
}

// Response is the decoded envelope of a single REST call.
type Response struct {
	Result           json.RawMessage `json:"result"`
	Next             *int            `json:"next,omitempty"`
	Total            int             `json:"total,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
	Time             *CallTime       `json:"time,omitempty"`
}

// Err returns the platform-reported error of this envelope, or nil.
func (r *Response) Err() error {
	if r == nil || r.Error == "" {
		return nil
	}
	return &APIError{Code: r.Error, Description: r.ErrorDescription}
}

// More reports whether the portal announced another page.
func (r *Response) More() bool {
	return r != nil && r.Next != nil
}

// NextOffset returns the offset of the next page, or 0 when there is none.
func (r *Response) NextOffset() int {
	if r == nil || r.Next == nil {
		return 0
	}
	return *r.Next
}

// Items decodes the result as an ordered record list.
func (r *Response) Items() ([]json.RawMessage, error) {
	if r == nil || isJSONNull(r.Result) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(r.Result, &items); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}
	return items, nil
}

// ItemsAt decodes the result as an object and returns the record list
// stored under the given key. List methods such as tasks.task.list nest
// their records this way.
func (r *Response) ItemsAt(key string) ([]json.RawMessage, error) {
	if r == nil || isJSONNull(r.Result) {
		return nil, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(r.Result, &wrapper); err != nil {
		return nil, fmt.Errorf("decode result object: %w", err)
	}
	raw, ok := wrapper[key]
	if !ok || isJSONNull(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode record list at %q: %w", key, err)
	}
	return items, nil
}

// Bind decodes the result into v.
func (r *Response) Bind(v any) error {
	if r == nil || isJSONNull(r.Result) {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// batchPayload is the inner result block of a batch envelope.
type batchPayload struct {
	Result      json.RawMessage `json:"result"`
	ResultError json.RawMessage `json:"result_error"`
	ResultTotal json.RawMessage `json:"result_total"`
	ResultNext  json.RawMessage `json:"result_next"`
	ResultTime  json.RawMessage `json:"result_time"`
}

// BatchResponse holds the per-command envelopes of one batch round-trip
// in submission order.
type BatchResponse struct {
	keys      []string
	responses map[string]*Response
}

func newBatchResponse(keys []string) *BatchResponse {
	return &BatchResponse{
		keys:      keys,
		responses: make(map[string]*Response, len(keys)),
	}
}

// NewBatchResponse creates an empty batch response shell for the given
// command keys. Intended for tests and custom Caller implementations;
// the client assembles real ones from portal envelopes.
func NewBatchResponse(keys []string) *BatchResponse {
	return newBatchResponse(keys)
}

// Put stores the envelope of the command with the given key.
func (b *BatchResponse) Put(key string, resp *Response) {
	b.responses[key] = resp
}

// Len returns the number of submitted commands.
func (b *BatchResponse) Len() int {
	if b == nil {
		return 0
	}
	return len(b.keys)
}

// Keys returns the command keys in submission order.
func (b *BatchResponse) Keys() []string {
	if b == nil {
		return nil
	}
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out
}

// Get returns the envelope of the command with the given key. The
// second return is false when the command produced no envelope, which
// happens for commands behind a failed one in a halted batch.
func (b *BatchResponse) Get(key string) (*Response, bool) {
	if b == nil {
		return nil, false
	}
	resp, ok := b.responses[key]
	return resp, ok
}

// At returns the envelope of the i-th submitted command, or nil when
// the command produced none.
func (b *BatchResponse) At(i int) *Response {
	if b == nil || i < 0 || i >= len(b.keys) {
		return nil
	}
	return b.responses[b.keys[i]]
}

// FirstErr returns the first per-command error in submission order, or
// nil when every executed command succeeded.
func (b *BatchResponse) FirstErr() error {
	if b == nil {
		return nil
	}
	for _, key := range b.keys {
		resp, ok := b.responses[key]
		if !ok {
			continue
		}
		if err := resp.Err(); err != nil {
			return fmt.Errorf("command %q: %w", key, err)
		}
	}
	return nil
}

// parseBatchResponse splits a batch envelope into per-command envelopes.
func parseBatchResponse(resp *Response, keys []string) (*BatchResponse, error) {
	var payload batchPayload
	if err := resp.Bind(&payload); err != nil {
		return nil, fmt.Errorf("decode batch result: %w", err)
	}

	results, err := decodeKeyed(payload.Result)
	if err != nil {
		return nil, fmt.Errorf("batch result: %w", err)
	}
	errorsByKey, err := decodeKeyed(payload.ResultError)
	if err != nil {
		return nil, fmt.Errorf("batch result_error: %w", err)
	}
	totals, err := decodeKeyed(payload.ResultTotal)
	if err != nil {
		return nil, fmt.Errorf("batch result_total: %w", err)
	}
	nexts, err := decodeKeyed(payload.ResultNext)
	if err != nil {
		return nil, fmt.Errorf("batch result_next: %w", err)
	}
	times, err := decodeKeyed(payload.ResultTime)
	if err != nil {
		return nil, fmt.Errorf("batch result_time: %w", err)
	}

	batch := newBatchResponse(keys)
	for _, key := range keys {
		entry := &Response{}
		executed := false
		if raw, ok := results[key]; ok {
			entry.Result = raw
			executed = true
		}
		if raw, ok := errorsByKey[key]; ok {
			entry.Error, entry.ErrorDescription = parseBatchError(raw)
			executed = true
		}
		if raw, ok := totals[key]; ok {
			if err := json.Unmarshal(raw, &entry.Total); err != nil {
				return nil, fmt.Errorf("batch total entry %q: %w", key, err)
			}
		}
		if raw, ok := nexts[key]; ok {
			var next int
			if err := json.Unmarshal(raw, &next); err != nil {
				return nil, fmt.Errorf("batch next entry %q: %w", key, err)
			}
			entry.Next = &next
		}
		if raw, ok := times[key]; ok {
			entry.Time = &CallTime{}
			if err := json.Unmarshal(raw, entry.Time); err != nil {
				return nil, fmt.Errorf("batch time entry %q: %w", key, err)
			}
		}
		if executed {
			batch.responses[key] = entry
		}
	}
	return batch, nil
}

// decodeKeyed decodes a keyed batch block. The portal serializes each
// block as a JSON object keyed by command label, except when every
// label is a consecutive integer, in which case it arrives as a plain
// array.
func decodeKeyed(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if isJSONNull(raw) {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		out := make(map[string]json.RawMessage, len(list))
		for i, item := range list {
			out[strconv.Itoa(i)] = item
		}
		return out, nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseBatchError handles both error entry shapes the portal emits: an
// object with error/error_description fields, or a bare string.
func parseBatchError(raw json.RawMessage) (code, description string) {
	var obj struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Error != "" || obj.ErrorDescription != "") {
		return obj.Error, obj.ErrorDescription
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, ""
	}
	return "UNKNOWN_ERROR", string(raw)
}
