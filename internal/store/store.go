// Package store provides the key-value abstraction behind every piece of
// mutable pipeline state. Components own their locking; a Store only has to
// make single Get/Put/Delete calls safe for concurrent use.
package store

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("store: closed")
	// ErrEncode is returned when a value cannot be serialized for a backend.
	ErrEncode = errors.New("store: encode failed")
	// ErrDecode is returned when a stored value cannot be deserialized.
	ErrDecode = errors.New("store: decode failed")
)

// Store is a string-keyed map of values of type V.
type Store[V any] interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (V, bool, error)
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value V) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Range calls fn for each entry until fn returns false. Entries put or
	// deleted during iteration may or may not be visited.
	Range(ctx context.Context, fn func(key string, value V) bool) error
}

// Memory is an in-process Store backed by a map.
type Memory[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewMemory creates an empty in-memory store.
func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{items: make(map[string]V)}
}

// Get implements Store.
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

// Put implements Store.
func (m *Memory[V]) Put(_ context.Context, key string, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

// Delete implements Store.
func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Range implements Store. It iterates over a snapshot, so fn may call back
// into the store.
func (m *Memory[V]) Range(ctx context.Context, fn func(key string, value V) bool) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.items))
	vals := make([]V, 0, len(m.items))
	for k, v := range m.items {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	m.mu.RUnlock()

	for i := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(keys[i], vals[i]) {
			return nil
		}
	}
	return nil
}

// Len returns the number of entries.
func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Collect returns every value in the store.
func Collect[V any](ctx context.Context, s Store[V]) ([]V, error) {
	var out []V
	err := s.Range(ctx, func(_ string, v V) bool {
		out = append(out, v)
		return true
	})
	return out, err
}
