package checklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "intake:checklist:"
	defaultTTL = 24 * time.Hour
)

// StateStore keeps checklist state per browser session. Get returns the
// initial state for unknown sessions.
type StateStore interface {
	Get(ctx context.Context, sessionID string) (State, error)
	Put(ctx context.Context, sessionID string, st State) error
	Reset(ctx context.Context, sessionID string) (State, error)
	Ping(ctx context.Context) error
	Close() error
}

type memoryEntry struct {
	state   State
	expires time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[sessionID]
	if !ok || now.After(e.expires) {
		delete(m.entries, sessionID)
		return InitialState(), nil
	}
	e.expires = now.Add(m.ttl)
	m.entries[sessionID] = e
	return cloneState(e.state), nil
}

func (m *MemoryStore) Put(_ context.Context, sessionID string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, id)
		}
	}
	m.entries[sessionID] = memoryEntry{state: cloneState(st), expires: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, sessionID string) (State, error) {
	st := InitialState()
	return st, m.Put(ctx, sessionID, st)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// OpenRedis parses a redis:// URL and verifies the server answers.
func OpenRedis(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (State, error) {
	key := s.key(sessionID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return InitialState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("redis get: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode checklist: %w", err)
	}
	// TTL refresh is best effort.
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return st, nil
}

func (s *RedisStore) Put(ctx context.Context, sessionID string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode checklist: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, sessionID string) (State, error) {
	st := InitialState()
	return st, s.Put(ctx, sessionID, st)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return keyPrefix + sessionID
}

// cloneState deep-copies through JSON so callers never share maps with the
// store.
func cloneState(st State) State {
	raw, err := json.Marshal(st)
	if err != nil {
		return st
	}
	var out State
	if err := json.Unmarshal(raw, &out); err != nil {
		return st
	}
	return out
}

var (
	_ StateStore = (*MemoryStore)(nil)
	_ StateStore = (*RedisStore)(nil)
)
