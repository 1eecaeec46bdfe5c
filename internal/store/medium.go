/**
 * @description
 * This file defines the storage Medium abstraction: a small key-value
 * surface over which the session and credential stores operate. Two
 * implementations exist — a process-local in-memory medium (the volatile
 * policy, and the shadow fallback when the durable medium is down) and a
 * Redis-backed medium (the durable policy).
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client for the durable medium.
 */
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get when a key has no value.
var ErrKeyNotFound = errors.New("store: key not found")

// Medium is a minimal key-value backing for the stores. Values are opaque
// bytes; namespacing is the caller's concern.
type Medium interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryMedium is a process-local Medium. It backs the volatile storage
// policy and serves as the shadow copy when the durable medium fails.
type MemoryMedium struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{data: make(map[string][]byte)}
}

func (m *MemoryMedium) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryMedium) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryMedium) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryMedium) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

// RedisMedium is the durable Medium. Keys persist across agent restarts.
type RedisMedium struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisMedium wraps an existing client. A zero ttl means keys do not
// expire; a positive ttl bounds how long a stored session can outlive the
// process that wrote it.
func NewRedisMedium(client redis.UniversalClient, ttl time.Duration) *RedisMedium {
	return &RedisMedium{client: client, ttl: ttl}
}

func (m *RedisMedium) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (m *RedisMedium) Set(ctx context.Context, key string, value []byte) error {
	return m.client.Set(ctx, key, value, m.ttl).Err()
}

func (m *RedisMedium) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return m.client.Del(ctx, keys...).Err()
}

func (m *RedisMedium) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		batch, next, err := m.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
