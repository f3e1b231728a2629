package events

import "sync"

const ringSize = 500

// ring is a thread-safe circular buffer of events with O(1) append and O(N)
// read. The backing array is fixed, appending never allocates.
type ring struct {
	entries [ringSize]Event
	head    int // next write position
	size    int
	mu      sync.RWMutex
}

// Append adds e, overwriting the oldest entry when full.
//
// Complexity: O(1) time, O(1) space.
func (r *ring) Append(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.head] = e
	r.head = (r.head + 1) % ringSize
	if r.size < ringSize {
		r.size++
	}
}

// Read returns the last n entries, newest first.
// The result is a new slice owned by the caller.
//
// Semantics:
//   - n <= 0 returns everything available
//   - n larger than what is stored is clamped to the stored count
//
// Complexity: O(n) time, O(n) space for the result.
func (r *ring) Read(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}
	if n <= 0 || n > r.size {
		n = r.size
	}

	out := make([]Event, n)
	newest := (r.head - 1 + ringSize) % ringSize
	for i := 0; i < n; i++ {
		out[i] = r.entries[(newest-i+ringSize)%ringSize]
	}
	return out
}
