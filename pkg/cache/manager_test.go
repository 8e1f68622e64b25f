package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client for testing.
// Tests are skipped when no local Redis is reachable; the integration
// suite covers the same paths against a containerized instance.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	// Ping to check connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	// Flush test DB before each test
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewManager(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	manager := NewManager(client)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil)
}

func TestManager_SetAndGet(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Method: "crm.deal.fields"}
	result := json.RawMessage(`{"ID":{"type":"integer"},"TITLE":{"type":"string"}}`)
	entry := NewEntry(result, 0, time.Minute)

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Result) != string(result) {
		t.Errorf("Result = %s, want %s", got.Result, result)
	}
}

func TestManager_GetMiss(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	_, err := manager.Get(ctx, Key{Method: "crm.never.cached"})
	if !errors.Is(err, ErrMiss) {
		t.Errorf("Get() error = %v, want ErrMiss", err)
	}
}

func TestManager_SetExpiredEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Method: "crm.deal.fields"}
	entry := &Entry{
		Result:   json.RawMessage(`{}`),
		Expires:  time.Now().Add(-time.Minute),
		CachedAt: time.Now(),
	}

	// Expired entries are silently not stored
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	_, err := manager.Get(ctx, key)
	if !errors.Is(err, ErrMiss) {
		t.Errorf("Get() error = %v, want ErrMiss for never stored entry", err)
	}
}

func TestManager_SetNilEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client)

	if err := manager.Set(context.Background(), Key{Method: "crm.deal.fields"}, nil); err == nil {
		t.Error("Set() with nil entry should return error")
	}
}

func TestManager_Delete(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Method: "crm.deal.fields"}
	entry := NewEntry(json.RawMessage(`{}`), 0, time.Minute)

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err := manager.Get(ctx, key)
	if !errors.Is(err, ErrMiss) {
		t.Errorf("Get() after Delete() error = %v, want ErrMiss", err)
	}
}

func TestManager_Flush(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	entry := NewEntry(json.RawMessage(`{}`), 0, time.Minute)
	keys := []Key{
		{Method: "crm.status.list", Query: "filter%5BENTITY_ID%5D=STATUS"},
		{Method: "crm.status.list", Query: "filter%5BENTITY_ID%5D=SOURCE"},
		{Method: "crm.deal.fields"},
	}
	for _, key := range keys {
		if err := manager.Set(ctx, key, entry); err != nil {
			t.Fatalf("Set(%v) error = %v", key, err)
		}
	}

	deleted, err := manager.Flush(ctx, "crm.status.list")
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("Flush() deleted = %d, want 2", deleted)
	}

	// Other methods stay cached
	if _, err := manager.Get(ctx, Key{Method: "crm.deal.fields"}); err != nil {
		t.Errorf("Get() after Flush of other method error = %v", err)
	}

	// Flushed methods miss
	_, err = manager.Get(ctx, keys[0])
	if !errors.Is(err, ErrMiss) {
		t.Errorf("Get() after Flush error = %v, want ErrMiss", err)
	}
}

func TestManager_TTLExpiry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Method: "crm.deal.fields"}
	entry := NewEntry(json.RawMessage(`{}`), 0, time.Second)

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	_, err := manager.Get(ctx, key)
	if !errors.Is(err, ErrMiss) {
		t.Errorf("Get() after TTL error = %v, want ErrMiss", err)
	}
}
