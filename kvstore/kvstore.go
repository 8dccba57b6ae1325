// Package kvstore provides the persistent string key/value store local to a
// client installation. Values survive restarts; keys are independent and no
// cross-key transaction is offered.
package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Store is a string-keyed, string-valued persistent map.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open builds a store from a DSN:
//
//	memory://                 in-process only (tests, dry runs)
//	file:///path/state.json   single JSON document (default for plain paths)
//	sqlite:///path/state.db   SQLite table
//	gs://bucket/prefix        one Cloud Storage object per key
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty store dsn")
	}
	if !strings.Contains(dsn, "://") {
		return NewFile(dsn, logger)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		return NewFile(dsnPath(parsed), logger)
	case "sqlite":
		return OpenSQLite(dsnPath(parsed))
	case "gs":
		return OpenGCS(ctx, parsed.Host, strings.TrimPrefix(parsed.Path, "/"), logger)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}
}

func dsnPath(u *url.URL) string {
	if u.Host != "" {
		// file://relative/path parses "relative" as host
		return u.Host + u.Path
	}
	return u.Path
}

// Memory is an in-process store.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Remove implements Store.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys implements Store.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.data, prefix), nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func sortedKeys(data map[string]string, prefix string) []string {
	var keys []string
	for k := range data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
