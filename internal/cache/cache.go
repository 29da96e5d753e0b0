// Package cache caches expensive enrichment results (project context,
// code summaries, compressed history) keyed by content hash, with a
// memory backend for single-node runs and a Redis backend for shared
// deployments.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Entry is one cached value with bookkeeping.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Hits      int64     `json:"hits"`
}

// Stats tracks cache performance.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	TotalEntries int64   `json:"total_entries"`
	HitRate      float64 `json:"hit_rate"`
}

// Config tunes a cache backend.
type Config struct {
	Enabled       bool
	DefaultTTL    time.Duration
	MaxSize       int
	CleanupPeriod time.Duration
}

// DefaultConfig returns the defaults used when no cache section is
// configured.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		DefaultTTL:    time.Hour,
		MaxSize:       10000,
		CleanupPeriod: 5 * time.Minute,
	}
}

// Backend is the storage interface shared by the memory and Redis
// implementations.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	GetStats(ctx context.Context) *Stats
}

// GenerateKey builds a stable cache key from a namespace and any
// JSON-serializable inputs.
func GenerateKey(namespace string, inputs ...any) (string, error) {
	hasher := sha256.New()
	hasher.Write([]byte(namespace))
	for _, in := range inputs {
		data, err := json.Marshal(in)
		if err != nil {
			return "", fmt.Errorf("marshal cache key input: %w", err)
		}
		hasher.Write([]byte{0})
		hasher.Write(data)
	}
	return namespace + ":" + hex.EncodeToString(hasher.Sum(nil))[:32], nil
}

// Memory is the in-process backend.
type Memory struct {
	config  *Config
	mu      sync.RWMutex
	entries map[string]*Entry
	stats   Stats
	stop    chan struct{}
}

// NewMemory creates a memory backend and starts its cleanup loop.
func NewMemory(config *Config) *Memory {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Memory{
		config:  config,
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
	}
	if config.Enabled && config.CleanupPeriod > 0 {
		go m.cleanupLoop()
	}
	return m
}

// Get returns the cached value when present and unexpired.
func (m *Memory) Get(ctx context.Context, key string) (string, bool) {
	if !m.config.Enabled {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		m.stats.Misses++
		return "", false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(m.entries, key)
		m.stats.Misses++
		m.stats.Evictions++
		return "", false
	}
	entry.Hits++
	m.stats.Hits++
	return entry.Value, true
}

// Set stores a value. ttl 0 uses the configured default.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !m.config.Enabled {
		return nil
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.config.MaxSize {
		m.evictOldestLocked()
	}
	now := time.Now()
	m.entries[key] = &Entry{
		Key:       key,
		Value:     value,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

// Delete removes one entry.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Clear removes all entries.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	return nil
}

// GetStats returns a snapshot of cache statistics.
func (m *Memory) GetStats(ctx context.Context) *Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.TotalEntries = int64(len(m.entries))
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return &stats
}

// Close stops the cleanup loop.
func (m *Memory) Close() {
	close(m.stop)
}

func (m *Memory) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range m.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.CachedAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
		m.stats.Evictions++
	}
}

func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(m.config.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.entries {
				if now.After(entry.ExpiresAt) {
					delete(m.entries, key)
					m.stats.Evictions++
				}
			}
			m.mu.Unlock()
		}
	}
}
