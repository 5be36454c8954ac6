package store

import (
	"container/ring"
	"sync"
)

// Ring is a thread-safe bounded history. Once full, each Add evicts the oldest entry.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    *ring.Ring
	capacity int
	count    int
}

// NewRing creates a ring holding at most capacity entries
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    ring.New(capacity),
		capacity: capacity,
	}
}

// Add appends v, evicting the oldest entry when the ring is full
func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items.Value = v
	r.items = r.items.Next()
	if r.count < r.capacity {
		r.count++
	}
}

// All returns every entry in chronological order (oldest first)
func (r *Ring[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.count)
	r.items.Do(func(value any) {
		if v, ok := value.(T); ok {
			out = append(out, v)
		}
	})
	return out
}

// Last returns the newest n entries, oldest first
func (r *Ring[T]) Last(n int) []T {
	all := r.All()
	if n < 0 {
		n = 0
	}
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Find returns the newest entry matching fn
func (r *Ring[T]) Find(fn func(T) bool) (T, bool) {
	all := r.All()
	for i := len(all) - 1; i >= 0; i-- {
		if fn(all[i]) {
			return all[i], true
		}
	}
	var zero T
	return zero, false
}

// Len returns the number of stored entries
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the maximum number of entries
func (r *Ring[T]) Capacity() int {
	return r.capacity
}
