package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists operating state so it can be shared across client
// instances.
type Store interface {
	// Get returns the stored state of the method, or nil when none is
	// known.
	Get(ctx context.Context, method string) (*State, error)

	// Set stores the state under its method until the window resets.
	Set(ctx context.Context, state *State) error
}

// redisStore shares operating state across processes via Redis.
type redisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed operating state store.
func NewRedisStore(redisClient *redis.Client) Store {
	return &redisStore{redis: redisClient}
}

func (s *redisStore) Get(ctx context.Context, method string) (*State, error) {
	data, err := s.redis.Get(ctx, RedisKeyPrefix+method).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operating state: %w", err)
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse operating state: %w", err)
	}
	return state, nil
}

func (s *redisStore) Set(ctx context.Context, state *State) error {
	// The state is worthless once the window resets, so it expires
	// with the window.
	ttl := time.Until(state.ResetAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal operating state: %w", err)
	}
	if err := s.redis.Set(ctx, RedisKeyPrefix+state.Method, data, ttl).Err(); err != nil {
		return fmt.Errorf("store operating state: %w", err)
	}
	return nil
}

// memoryStore keeps operating state in process memory. Used when no
// Redis client is configured.
type memoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStore creates an in-process operating state store.
func NewMemoryStore() Store {
	return &memoryStore{states: make(map[string]*State)}
}

func (s *memoryStore) Get(_ context.Context, method string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[method]
	if !ok || state.Expired() {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (s *memoryStore) Set(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *state
	s.states[state.Method] = &copied
	return nil
}
