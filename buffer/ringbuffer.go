// Package buffer keeps the most recent published updates so display adapters
// can pull the latest frame on their own schedule. Each slot stores an atomic
// pointer, so readers either see a complete entry or the previous one, never
// a partially written structure.
package buffer

import (
	"sync"
	"sync/atomic"
)

// Sequence orders published entries. Epoch increases on every restart; within
// an epoch Filled never decreases.
type Sequence struct {
	Epoch  uint64
	Filled uint64
}

// Before reports whether s is strictly older than other.
func (s Sequence) Before(other Sequence) bool {
	if s.Epoch != other.Epoch {
		return s.Epoch < other.Epoch
	}
	return s.Filled < other.Filled
}

// Entry is one published value with its ring ID and ordering key.
type Entry[T any] struct {
	ID    uint64
	Seq   Sequence
	Value T
}

// RingBuffer is a thread-safe circular buffer of recent entries. Publishers
// serialize on a small mutex to enforce ordering; readers never lock.
type RingBuffer[T any] struct {
	// Each slot is an atomic pointer so a publisher can expose a fully built entry in one step.
	slots    []atomic.Pointer[Entry[T]]
	capacity int
	total    atomic.Uint64 // Total entries published (may exceed capacity)
	rejected atomic.Uint64

	publishMu sync.Mutex
	last      Sequence
	hasLast   bool
}

// NewRingBuffer allocates a ring with the given capacity (minimum 1).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{
		slots:    make([]atomic.Pointer[Entry[T]], capacity),
		capacity: capacity,
	}
}

// Purpose: Publish a value unless it is older than the newest published entry.
// Key aspects: Assigns a monotonic ID; stale sequences are counted and dropped.
// Upstream: ingest.Loop render and completion paths.
// Downstream: atomic slot store.
func (rb *RingBuffer[T]) Publish(seq Sequence, value T) (*Entry[T], bool) {
	rb.publishMu.Lock()
	defer rb.publishMu.Unlock()
	if rb.hasLast && seq.Before(rb.last) {
		rb.rejected.Add(1)
		return nil, false
	}
	rb.last = seq
	rb.hasLast = true

	newID := rb.total.Load() + 1
	entry := &Entry[T]{ID: newID, Seq: seq, Value: value}
	idx := (newID - 1) % uint64(rb.capacity)
	// Store the slot before bumping total so Latest never sees an ID without its entry.
	rb.slots[idx].Store(entry)
	rb.total.Store(newID)
	return entry, true
}

// Latest returns the newest entry, or nil when nothing has been published.
func (rb *RingBuffer[T]) Latest() *Entry[T] {
	total := rb.total.Load()
	if total == 0 {
		return nil
	}
	idx := (total - 1) % uint64(rb.capacity)
	// A wrapped publisher may have replaced the slot with a newer entry; that one is fine too.
	if e := rb.slots[idx].Load(); e != nil && e.ID >= total {
		return e
	}
	return nil
}

// GetRecent returns up to n most recent entries, newest first.
func (rb *RingBuffer[T]) GetRecent(n int) []*Entry[T] {
	if n <= 0 {
		return []*Entry[T]{}
	}
	total := rb.total.Load()
	available := int(min(total, uint64(rb.capacity)))
	n = min(n, available)

	result := make([]*Entry[T], 0, n)
	minIndex := total - uint64(available)
	for idx := total; idx > minIndex && len(result) < n; {
		idx--
		slot := idx % uint64(rb.capacity)
		// ID check skips over slots that have been overwritten after wraparound
		if e := rb.slots[slot].Load(); e != nil && e.ID == idx+1 {
			result = append(result, e)
		}
	}
	return result
}

// GetCount returns the total number of entries published.
func (rb *RingBuffer[T]) GetCount() int {
	return int(rb.total.Load())
}

// Rejected returns how many publishes were dropped as stale.
func (rb *RingBuffer[T]) Rejected() uint64 {
	return rb.rejected.Load()
}
