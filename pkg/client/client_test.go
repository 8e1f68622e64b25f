package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unnamed777/bx24wrapper/pkg/ratelimit"
)

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	// Flush test DB
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// newTestClient builds a client against the given test server with the
// rate limiter effectively disabled.
func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()

	client, err := New(Config{
		Endpoint:          endpoint,
		RequestsPerSecond: 1000,
		Burst:             1000,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return client
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: Config{Endpoint: "https://example.bitrix24.com/rest/1/token"},
		},
		{
			name:        "empty endpoint",
			config:      Config{},
			expectError: true,
			errorMsg:    "endpoint is required",
		},
		{
			name:        "bad scheme",
			config:      Config{Endpoint: "ftp://example.bitrix24.com/rest/1/token"},
			expectError: true,
			errorMsg:    `endpoint scheme must be http or https, got "ftp"`,
		},
		{
			name:        "unparseable endpoint",
			config:      Config{Endpoint: "://nope"},
			expectError: true,
		},
		{
			name: "negative request rate",
			config: Config{
				Endpoint:          "https://example.bitrix24.com/rest/1/token",
				RequestsPerSecond: -1,
			},
			expectError: true,
			errorMsg:    "requests per second must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
					return
				}
				if client == nil {
					t.Error("Client is nil")
				}
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	endpoint := "https://example.bitrix24.com/rest/1/token"
	cfg := DefaultConfig(endpoint)

	if cfg.Endpoint != endpoint {
		t.Errorf("Endpoint = %q, want %q", cfg.Endpoint, endpoint)
	}
	if cfg.RequestsPerSecond != DefaultRequestsPerSecond {
		t.Errorf("RequestsPerSecond = %v, want %v", cfg.RequestsPerSecond, DefaultRequestsPerSecond)
	}
	if cfg.Burst != DefaultBurst {
		t.Errorf("Burst = %d, want %d", cfg.Burst, DefaultBurst)
	}
	if cfg.HTTPTimeout != DefaultHTTPTimeout {
		t.Errorf("HTTPTimeout = %v, want %v", cfg.HTTPTimeout, DefaultHTTPTimeout)
	}
	if len(cfg.CacheMethods) != 1 || cfg.CacheMethods[0] != ".fields" {
		t.Errorf("CacheMethods = %v, want [.fields]", cfg.CacheMethods)
	}
}

func TestCallMethod_Success(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"result": [{"ID":"1","TITLE":"First deal"}],
			"total": 1,
			"time": {"start": 1, "finish": 2, "duration": 1, "operating": 0.5, "operating_reset_at": 1700000600}
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.CallMethod(context.Background(), "crm.deal.list", Params{"start": 0})
	if err != nil {
		t.Fatalf("CallMethod() failed: %v", err)
	}

	if gotPath != "/crm.deal.list.json" {
		t.Errorf("path = %q, want %q", gotPath, "/crm.deal.list.json")
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if gotBody["start"] != float64(0) {
		t.Errorf("body start = %v, want 0", gotBody["start"])
	}

	if resp.Total != 1 {
		t.Errorf("Total = %d, want 1", resp.Total)
	}
	items, err := resp.Items()
	if err != nil {
		t.Fatalf("Items() failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("len(items) = %d, want 1", len(items))
	}
	if resp.Time == nil || resp.Time.Operating != 0.5 {
		t.Errorf("Time = %+v, want operating 0.5", resp.Time)
	}
}

func TestCallMethod_NilParams(t *testing.T) {
	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(`{"result": {"ID": "1"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	if _, err := client.CallMethod(context.Background(), "profile", nil); err != nil {
		t.Fatalf("CallMethod() failed: %v", err)
	}
	if gotBody != "{}" {
		t.Errorf("body = %q, want {}", gotBody)
	}
}

func TestCallMethod_EmptyMethod(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")

	_, err := client.CallMethod(context.Background(), "", nil)
	if !errors.Is(err, ErrEmptyMethod) {
		t.Errorf("err = %v, want ErrEmptyMethod", err)
	}
}

func TestCallMethod_PortalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"ERROR_METHOD_NOT_FOUND","error_description":"Method not found!"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.CallMethod(context.Background(), "crm.bogus.list", nil)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T, want *APIError", err)
	}
	if apiErr.Code != "ERROR_METHOD_NOT_FOUND" {
		t.Errorf("Code = %q, want ERROR_METHOD_NOT_FOUND", apiErr.Code)
	}
	if apiErr.Method != "crm.bogus.list" {
		t.Errorf("Method = %q, want crm.bogus.list", apiErr.Method)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", apiErr.StatusCode)
	}

	// The envelope is still returned alongside the error.
	if resp == nil {
		t.Error("Expected envelope alongside the error")
	}
}

func TestCallMethod_HTTPErrorWithoutEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>Bad Gateway</html>"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.CallMethod(context.Background(), "profile", nil)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T, want *APIError", err)
	}
	if apiErr.Code != "HTTP_502" {
		t.Errorf("Code = %q, want HTTP_502", apiErr.Code)
	}
	if apiErr.Class() != ErrorClassServer {
		t.Errorf("Class() = %q, want server", apiErr.Class())
	}
}

func TestCallMethod_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	client := newTestClient(t, server.URL)

	_, err := client.CallMethod(context.Background(), "profile", nil)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Errorf("transport failure should not be an *APIError, got %v", apiErr)
	}
}

func TestCallMethod_OperatingBlock(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.Write([]byte(`{
			"result": [],
			"time": {"operating": 470.0, "operating_reset_at": 9999999999}
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	// First call succeeds and reports a critically high operating time.
	if _, err := client.CallMethod(ctx, "crm.deal.list", nil); err != nil {
		t.Fatalf("first CallMethod() failed: %v", err)
	}

	// Second call must be rejected before reaching the wire.
	_, err := client.CallMethod(ctx, "crm.deal.list", nil)
	if !errors.Is(err, ratelimit.ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
	if requestCount != 1 {
		t.Errorf("requestCount = %d, want 1", requestCount)
	}

	// Other methods are unaffected.
	if _, err := client.CallMethod(ctx, "profile", nil); err != nil {
		t.Errorf("unrelated method blocked: %v", err)
	}
}

func TestCallBatch_EmptySet(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.Write([]byte(`{"result": {}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	batch, err := client.CallBatch(context.Background(), nil, true)
	if err != nil {
		t.Fatalf("CallBatch() failed: %v", err)
	}
	if batch.Len() != 0 {
		t.Errorf("Len() = %d, want 0", batch.Len())
	}
	if requestCount != 0 {
		t.Errorf("requestCount = %d, want 0 (empty batch must not hit the wire)", requestCount)
	}
}

func TestCallBatch_TooLarge(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")

	cmds := make([]Command, MaxBatchCommands+1)
	for i := range cmds {
		cmds[i] = Command{Method: "profile"}
	}

	_, err := client.CallBatch(context.Background(), cmds, true)
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("err = %v, want ErrBatchTooLarge", err)
	}
}

func TestCallBatch_DuplicateKey(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")

	cmds := []Command{
		{Key: "a", Method: "profile"},
		{Key: "a", Method: "profile"},
	}

	_, err := client.CallBatch(context.Background(), cmds, true)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("err = %v, want ErrDuplicateKey", err)
	}
}

func TestCallBatch_EmptyCommandMethod(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")

	cmds := []Command{{Method: ""}}

	_, err := client.CallBatch(context.Background(), cmds, true)
	if !errors.Is(err, ErrEmptyMethod) {
		t.Errorf("err = %v, want ErrEmptyMethod", err)
	}
}

func TestCallBatch_RoundTrip(t *testing.T) {
	var gotPath string
	var gotPayload struct {
		Halt int               `json:"halt"`
		Cmd  map[string]string `json:"cmd"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotPayload)

		w.Write([]byte(`{
			"result": {
				"result": {"deals": [{"ID":"51"}], "contacts": [{"ID":"7"}]},
				"result_error": {},
				"result_total": {"deals": 120, "contacts": 9},
				"result_next": {"deals": 100},
				"result_time": {}
			},
			"time": {"operating": 0.2}
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	cmds := []Command{
		{Key: "deals", Method: "crm.deal.list", Params: Params{"start": 50}},
		{Key: "contacts", Method: "crm.contact.list", Params: nil},
	}

	batch, err := client.CallBatch(context.Background(), cmds, true)
	if err != nil {
		t.Fatalf("CallBatch() failed: %v", err)
	}

	if gotPath != "/batch.json" {
		t.Errorf("path = %q, want /batch.json", gotPath)
	}
	if gotPayload.Halt != 1 {
		t.Errorf("halt = %d, want 1", gotPayload.Halt)
	}
	if gotPayload.Cmd["deals"] != "crm.deal.list?start=50" {
		t.Errorf("cmd[deals] = %q, want crm.deal.list?start=50", gotPayload.Cmd["deals"])
	}
	if gotPayload.Cmd["contacts"] != "crm.contact.list" {
		t.Errorf("cmd[contacts] = %q, want crm.contact.list", gotPayload.Cmd["contacts"])
	}

	deals, ok := batch.Get("deals")
	if !ok {
		t.Fatal("Get(deals) not found")
	}
	if deals.Total != 120 || deals.NextOffset() != 100 {
		t.Errorf("deals total/next = %d/%d, want 120/100", deals.Total, deals.NextOffset())
	}

	contacts := batch.At(1)
	if contacts == nil || contacts.Total != 9 {
		t.Errorf("contacts = %+v, want total 9", contacts)
	}

	if err := batch.FirstErr(); err != nil {
		t.Errorf("FirstErr() = %v, want nil", err)
	}
}

func TestCallBatch_HaltZero(t *testing.T) {
	var gotPayload struct {
		Halt int `json:"halt"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte(`{"result": {"result": {"0": true}}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.CallBatch(context.Background(), []Command{{Method: "profile"}}, false)
	if err != nil {
		t.Fatalf("CallBatch() failed: %v", err)
	}
	if gotPayload.Halt != 0 {
		t.Errorf("halt = %d, want 0", gotPayload.Halt)
	}
}

func TestCallBind(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"result": true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.CallBind(context.Background(), "ONCRMDEALADD", "https://example.com/hook", 0)
	if err != nil {
		t.Fatalf("CallBind() failed: %v", err)
	}

	if gotPath != "/event.bind.json" {
		t.Errorf("path = %q, want /event.bind.json", gotPath)
	}
	if gotBody["event"] != "ONCRMDEALADD" {
		t.Errorf("event = %v, want ONCRMDEALADD", gotBody["event"])
	}
	if gotBody["handler"] != "https://example.com/hook" {
		t.Errorf("handler = %v", gotBody["handler"])
	}
	if _, present := gotBody["auth_type"]; present {
		t.Error("auth_type must be omitted when no user is given")
	}
}

func TestCallBindWithAuthUser(t *testing.T) {
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"result": true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.CallBind(context.Background(), "ONCRMDEALADD", "https://example.com/hook", 12)
	if err != nil {
		t.Fatalf("CallBind() failed: %v", err)
	}
	if gotBody["auth_type"] != float64(12) {
		t.Errorf("auth_type = %v, want 12", gotBody["auth_type"])
	}
}

func TestCallUnbind(t *testing.T) {
	var gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"result": {"count": 1}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.CallUnbind(context.Background(), "ONCRMDEALADD", "https://example.com/hook", 0)
	if err != nil {
		t.Fatalf("CallUnbind() failed: %v", err)
	}
	if gotPath != "/event.unbind.json" {
		t.Errorf("path = %q, want /event.unbind.json", gotPath)
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := resp.Bind(&result); err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	if result.Count != 1 {
		t.Errorf("count = %d, want 1", result.Count)
	}
}

func TestCallBind_EmptyEvent(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")

	_, err := client.CallBind(context.Background(), "", "https://example.com/hook", 0)
	if err == nil {
		t.Error("Expected error for empty event name")
	}
}

func TestCacheable(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")

	tests := []struct {
		method   string
		expected bool
	}{
		{"crm.deal.fields", true},
		{"CRM.DEAL.FIELDS", true},
		{"crm.status.fields", true},
		{"crm.deal.list", false},
		{"batch", false},
		{"profile", false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := client.cacheable(tt.method); got != tt.expected {
				t.Errorf("cacheable(%q) = %v, want %v", tt.method, got, tt.expected)
			}
		})
	}
}

func TestMethodURL(t *testing.T) {
	client := newTestClient(t, "https://example.bitrix24.com/rest/1/token/")

	got := client.methodURL("crm.deal.list")
	expected := "https://example.bitrix24.com/rest/1/token/crm.deal.list.json"
	if got != expected {
		t.Errorf("methodURL() = %q, want %q", got, expected)
	}
}

func TestCallMethod_ServedFromCache(t *testing.T) {
	redisClient := setupTestRedis(t)

	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.Write([]byte(`{"result": {"ID": {"type": "integer"}}, "total": 0}`))
	}))
	defer server.Close()

	client, err := New(Config{
		Endpoint:          server.URL,
		Redis:             redisClient,
		RequestsPerSecond: 1000,
		Burst:             1000,
		CacheTTL:          time.Minute,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()

	first, err := client.CallMethod(ctx, "crm.deal.fields", nil)
	if err != nil {
		t.Fatalf("first CallMethod() failed: %v", err)
	}
	if requestCount != 1 {
		t.Fatalf("requestCount = %d, want 1", requestCount)
	}

	second, err := client.CallMethod(ctx, "crm.deal.fields", nil)
	if err != nil {
		t.Fatalf("second CallMethod() failed: %v", err)
	}
	if requestCount != 1 {
		t.Errorf("requestCount = %d, want 1 (second call must be served from cache)", requestCount)
	}
	if string(second.Result) != string(first.Result) {
		t.Errorf("cached result = %s, want %s", second.Result, first.Result)
	}

	// Different params mean a different cache key.
	if _, err := client.CallMethod(ctx, "crm.deal.fields", Params{"lang": "de"}); err != nil {
		t.Fatalf("third CallMethod() failed: %v", err)
	}
	if requestCount != 2 {
		t.Errorf("requestCount = %d, want 2 (different params bypass the cached entry)", requestCount)
	}
}

func TestCallMethod_ListNotCached(t *testing.T) {
	redisClient := setupTestRedis(t)

	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.Write([]byte(`{"result": [], "total": 0}`))
	}))
	defer server.Close()

	client, err := New(Config{
		Endpoint:          server.URL,
		Redis:             redisClient,
		RequestsPerSecond: 1000,
		Burst:             1000,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := client.CallMethod(ctx, "crm.deal.list", nil); err != nil {
			t.Fatalf("CallMethod() failed: %v", err)
		}
	}
	if requestCount != 2 {
		t.Errorf("requestCount = %d, want 2 (list methods are never cached)", requestCount)
	}
}
