// Package store provides storage backends for the quotaflow rate limiter.
//
// Supported backends:
//   - MemoryStore: in-process store for single-instance applications
//   - RedisStore: Redis-based store for distributed applications
//
// Both implement the ratelimiter.Store contract: a flat string-keyed map of
// string values with per-key TTL and atomic integer increment/decrement.
//
// Example usage:
//
//	ctx := context.Background()
//	s := store.NewMemory(ctx, time.Minute) // cleanup interval = 1 minute
//	limiter, err := ratelimiter.NewFixedWindow("api", s, 100, time.Minute)
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quotaflow/quotaflow/internal/clock"
	"github.com/quotaflow/quotaflow/internal/keymutex"
	"github.com/quotaflow/quotaflow/ratelimiter"
)

// defaultMemoryTTL bounds the lifetime of values written without an explicit
// TTL; nothing in the store lives forever.
const defaultMemoryTTL = 5 * time.Minute

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-process implementation of ratelimiter.Store.
//
// The map is guarded by a read-write mutex; read-modify-write operations
// (Incr, Decr) additionally serialize per key, so concurrent counters on the
// same key are linearizable while distinct keys do not contend. Expired
// entries are never returned and are swept by an optional background cleanup
// goroutine.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	sections   *keymutex.Table
	defaultTTL time.Duration
	clk        clock.Clock
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryDefaultTTL overrides the TTL applied to writes that do not carry
// their own.
func WithMemoryDefaultTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// NewMemory creates a MemoryStore.
//
// ctx bounds the lifetime of the background cleanup goroutine;
// cleanupInterval is how often expired entries are swept (0 disables the
// sweep, leaving expiry purely lazy).
func NewMemory(ctx context.Context, cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries:    make(map[string]memoryEntry),
		sections:   keymutex.New(),
		defaultTTL: defaultMemoryTTL,
		clk:        clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if cleanupInterval > 0 {
		go m.runCleanup(ctx, cleanupInterval)
	}

	return m
}

// Get returns the value for key, or ratelimiter.ErrKeyNotFound if the key is
// absent or its TTL has elapsed.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := validateStoreKey(key); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		return "", ratelimiter.ErrKeyNotFound
	}
	return e.value, nil
}

// Set unconditionally writes value. ttl <= 0 applies the store default.
func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.clk.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Incr atomically adds delta to the integer value of key, treating an absent
// or expired key as 0. A ttl > 0 refreshes the key's TTL; otherwise an
// existing expiry is preserved and a fresh key gets the store default.
func (m *MemoryStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := validateStoreKey(key); err != nil {
		return 0, err
	}
	if err := m.sections.Acquire(ctx, key); err != nil {
		return 0, err
	}
	defer m.sections.Release(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var current int64
	expiresAt := now.Add(m.defaultTTL)

	if e, ok := m.entries[key]; ok && !m.expired(e) {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, &ratelimiter.StorageError{Backend: "memory", Op: "incr", Key: key, Err: fmt.Errorf("value is not an integer: %q", e.value)}
		}
		current = parsed
		expiresAt = e.expiresAt
	}
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	current += delta
	m.entries[key] = memoryEntry{value: strconv.FormatInt(current, 10), expiresAt: expiresAt}
	return current, nil
}

// Decr atomically subtracts delta with a floor of 0. An absent or expired
// key is treated as 0: the call returns 0 and does not create the key.
func (m *MemoryStore) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	if err := validateStoreKey(key); err != nil {
		return 0, err
	}
	if err := m.sections.Acquire(ctx, key); err != nil {
		return 0, err
	}
	defer m.sections.Release(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		return 0, nil
	}
	current, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, &ratelimiter.StorageError{Backend: "memory", Op: "decr", Key: key, Err: fmt.Errorf("value is not an integer: %q", e.value)}
	}

	current -= delta
	if current < 0 {
		current = 0
	}
	m.entries[key] = memoryEntry{value: strconv.FormatInt(current, 10), expiresAt: e.expiresAt}
	return current, nil
}

// Remove deletes the key; removing an absent key is not an error.
func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Exists reports whether the key is present and unexpired.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateStoreKey(key); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	return ok && !m.expired(e), nil
}

// Expire sets the TTL on an existing key and is a no-op for an absent one.
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return &ratelimiter.ConfigError{Field: "ttl", Value: ttl, Reason: "must be > 0", Err: ratelimiter.ErrOutOfRange}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		return nil
	}
	e.expiresAt = m.clk.Now().Add(ttl)
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) expired(e memoryEntry) bool {
	return m.clk.Now().After(e.expiresAt)
}

// runCleanup periodically removes expired entries so idle keys do not pin
// memory between accesses.
func (m *MemoryStore) runCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			for key, e := range m.entries {
				if m.expired(e) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func validateStoreKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key must not be blank", ratelimiter.ErrInvalidArgument)
	}
	return nil
}
