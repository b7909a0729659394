// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	storedAt  time.Time
}

// Memory is a bounded in-process Store used when no redis address is
// configured and in tests.
type Memory struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]memoryEntry
	nowFn    func() time.Time
}

// NewMemory creates an in-process store holding at most capacity keys.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		capacity: capacity,
		entries:  make(map[string]memoryEntry),
		nowFn:    time.Now,
	}
}

// SetNow allows tests to have deterministic time.
func (memory *Memory) SetNow(nowFn func() time.Time) {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	memory.nowFn = nowFn
}

// Get returns the cached value, ErrKeyNotFound on a miss or expiry.
func (memory *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	entry, ok := memory.entries[key]
	if !ok || memory.nowFn().After(entry.expiresAt) {
		delete(memory.entries, key)
		mon.Event("cache_miss")
		return nil, ErrKeyNotFound.New("%s", key)
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set stores the value for ttl, evicting the oldest entry when full.
func (memory *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	now := memory.nowFn()
	if _, ok := memory.entries[key]; !ok && len(memory.entries) >= memory.capacity {
		var oldestKey string
		var oldestAt time.Time
		for candidate, entry := range memory.entries {
			if oldestKey == "" || entry.storedAt.Before(oldestAt) {
				oldestKey, oldestAt = candidate, entry.storedAt
			}
		}
		delete(memory.entries, oldestKey)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	memory.entries[key] = memoryEntry{
		value:     stored,
		expiresAt: now.Add(ttl),
		storedAt:  now,
	}
	return nil
}

// Delete removes one key.
func (memory *Memory) Delete(ctx context.Context, key string) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	delete(memory.entries, key)
	return nil
}

// DeletePrefix removes every key with the given prefix.
func (memory *Memory) DeletePrefix(ctx context.Context, prefix string) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	for key := range memory.entries {
		if strings.HasPrefix(key, prefix) {
			delete(memory.entries, key)
		}
	}
	return nil
}

// Ping always succeeds for the in-process store.
func (memory *Memory) Ping(ctx context.Context) error { return nil }

// Close drops all entries.
func (memory *Memory) Close() error {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	memory.entries = make(map[string]memoryEntry)
	return nil
}
