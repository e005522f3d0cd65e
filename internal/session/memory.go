package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	setAt     time.Time
	expiresAt time.Time // zero means no expiration
}

// MemoryKV is a thread-safe in-process KV with per-key TTLs. It stands in
// for Redis when no REDIS_ADDR is configured (local runs) and in tests.
type MemoryKV struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	maxEntries int
}

// NewMemoryKV creates an in-memory KV holding at most maxEntries keys.
// At capacity the oldest entry is evicted first.
func NewMemoryKV(maxEntries int) *MemoryKV {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryKV{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
	}
}

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Enforce max size: evict the oldest entry, not the newest write.
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		var oldestKey string
		var oldestTime time.Time
		for k, e := range m.entries {
			if oldestKey == "" || e.setAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = e.setAt
			}
		}
		if oldestKey != "" {
			delete(m.entries, oldestKey)
		}
	}

	entry := memoryEntry{value: value, setAt: time.Now()}
	if ttl > 0 {
		entry.expiresAt = entry.setAt.Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[key]
	if !exists {
		return "", ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// CleanupExpired removes expired entries and returns how many were dropped.
// Expired keys are otherwise only skipped on read, not reclaimed.
func (m *MemoryKV) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
			cleaned++
		}
	}
	return cleaned
}

// Len returns the current number of stored keys, expired or not.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
