// Package kv defines the persistent key-value store shared by the cache's
// durable tier and the freeze store.
//
// Values are opaque strings (callers serialize to JSON). Logical stores
// share one physical store by namespacing their keys with a prefix, e.g.
// "cache:" and "frozen:".
package kv

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is a persistent string key-value store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set creates or replaces the value for key.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// ListKeys returns every key starting with prefix, sorted.
	// An empty prefix lists all keys.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}

// Compile-time checks.
var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Badger)(nil)
	_ Store = (*Memory)(nil)
)

// Memory is an in-process Store. Nothing survives Close.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory { return &Memory{m: make(map[string]string)} }

func (s *Memory) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Memory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

func (s *Memory) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *Memory) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Memory) Close() error { return nil }

// Open opens the store named by driver ("sqlite", "badger" or "memory")
// at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(path)
	case "badger":
		cfg := DefaultBadgerConfig()
		cfg.Path = path
		return OpenBadger(cfg)
	case "memory":
		return NewMemory(), nil
	}
	return nil, errors.New("kv: unknown driver " + driver)
}
