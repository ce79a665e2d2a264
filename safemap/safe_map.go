// Package safemap provides a typed concurrent map over sync.Map that keeps an
// entry count, so Len is O(1). The TCP server uses it as its live session
// registry.
package safemap

import (
	"sync"
	"sync/atomic"
)

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type.
//
// SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m     sync.Map
	count atomic.Int64
}

// NewSafeMap returns an empty SafeMap.
//
// Returns:
//   - A pointer to a new SafeMap[K, V]
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for k, replacing any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
//
// Returns:
//   - true if k was not present before
func (m *SafeMap[K, V]) Store(k K, v V) bool {
	_, loaded := m.m.Swap(k, v)
	if !loaded {
		m.count.Add(1)
	}

	return !loaded
}

// Load returns the value for k and whether it was present.
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadAndDelete removes k and returns the value it held, if any.
//
// Parameters:
//   - k: The key to remove
//
// Returns:
//   - The removed value, or the zero value of V
//   - true if k was present
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	m.count.Add(-1)
	return v.(V), true
}

// Delete removes k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.LoadAndDelete(k)
}

// Has reports whether k is present.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted during the call may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len returns the number of entries.
func (m *SafeMap[K, V]) Len() int {
	return int(m.count.Load())
}
