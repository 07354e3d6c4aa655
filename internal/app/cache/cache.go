// Package cache provides the key/value cache boundary used by the rule
// matcher. Values round-trip through JSON so the Redis and in-memory
// implementations behave identically.
package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"
)

// Cache is a TTL key/value store with glob-pattern deletion.
type Cache interface {
	// Get unmarshals the cached value into dest and reports whether the key
	// was present and unexpired.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)

	// Set stores the value under key for ttl. A non-positive ttl means no
	// expiry.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// DeletePattern removes every key matching the glob pattern and returns
	// how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process Cache. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if entry.expired(time.Now()) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key := range m.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return count, err
		}
		if matched {
			delete(m.entries, key)
			count++
		}
	}
	return count, nil
}

// Len returns the number of live entries, counting expired ones out.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, entry := range m.entries {
		if !entry.expired(now) {
			n++
		}
	}
	return n
}
