package writer

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("key not found")

// Store is the shared keyed store records are published to.
type Store interface {
	// HSet writes fields into the hash at key and refreshes its TTL.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// HSetNX writes fields like HSet and, in the same step, sets each of
	// defaults only where the hash has no such field yet.
	HSetNX(ctx context.Context, key string, fields, defaults map[string]string, ttl time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

type memEntry struct {
	hash    map[string]string
	value   string
	expires time.Time
}

// MemoryStore is an in-process Store with TTL semantics. It backs dry runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memEntry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*memEntry), now: time.Now}
}

func (m *MemoryStore) live(key string) (*memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.hash == nil {
		e = &memEntry{hash: make(map[string]string, len(fields))}
		m.data[key] = e
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	e.expires = m.expiry(ttl)
	return nil
}

func (m *MemoryStore) HSetNX(_ context.Context, key string, fields, defaults map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.hash == nil {
		e = &memEntry{hash: make(map[string]string, len(fields)+len(defaults))}
		m.data[key] = e
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	for k, v := range defaults {
		if _, exists := e.hash[k]; !exists {
			e.hash[k] = v
		}
	}
	e.expires = m.expiry(ttl)
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.hash == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &memEntry{value: value, expires: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.hash != nil {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Keys matches with path.Match, which covers the glob subset used here.
func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if _, ok := m.live(k); !ok {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
