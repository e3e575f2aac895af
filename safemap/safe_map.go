// Package safemap provides the concurrent tables devlink keys by protocol
// code or connection id: a generic wrapper over sync.Map with typed access,
// snapshots and ordered key listings.
package safemap

import (
	"cmp"
	"slices"
	"sync"
)

// SafeMap is a typed concurrent map. The zero value is empty and ready for
// use. It must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// New returns an empty SafeMap.
func New[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for k, replacing any previous value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value for k and whether it was present.
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, ok := m.m.Load(k)
	if !ok {
		var zero V
		return zero, false
	}

	return v.(V), true
}

// LoadAndDelete removes k and returns the value it held, if any.
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, ok := m.m.LoadAndDelete(k)
	if !ok {
		var zero V
		return zero, false
	}

	return v.(V), true
}

// Delete removes k. Deleting an absent key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Has reports whether k is present.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, ok := m.m.Load(k)
	return ok
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len counts the entries. It is O(n).
func (m *SafeMap[K, V]) Len() int {
	n := 0
	m.m.Range(func(any, any) bool {
		n++
		return true
	})

	return n
}

// Values returns a snapshot of the values in unspecified order.
func (m *SafeMap[K, V]) Values() []V {
	var out []V
	m.Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})

	return out
}

// Clear removes every entry.
func (m *SafeMap[K, V]) Clear() {
	m.m.Clear()
}

// SortedKeys returns a snapshot of the keys of m in ascending order.
func SortedKeys[K cmp.Ordered, V any](m *SafeMap[K, V]) []K {
	var keys []K
	m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})

	slices.Sort(keys)
	return keys
}

// SortedValues returns a snapshot of the values of m ordered by key.
func SortedValues[K cmp.Ordered, V any](m *SafeMap[K, V]) []V {
	type entry struct {
		k K
		v V
	}

	var entries []entry
	m.Range(func(k K, v V) bool {
		entries = append(entries, entry{k, v})
		return true
	})

	slices.SortFunc(entries, func(a, b entry) int { return cmp.Compare(a.k, b.k) })

	out := make([]V, len(entries))
	for i, e := range entries {
		out[i] = e.v
	}
	return out
}
