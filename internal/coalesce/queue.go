// Package coalesce holds the latest pending command per key.
//
// Put overwrites, it never queues: when the consumer is slower than the
// producers only the most recent intent per key survives.
package coalesce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Queue is a keyed single-slot mailbox with a wake-up signal.
// Safe for concurrent use; intended for a single draining goroutine.
type Queue struct {
	mu      sync.Mutex
	pending map[string]string

	sig chan struct{} // coalescing wake-up

	overwrites atomic.Uint64
}

// New returns an empty Queue.
//
// Example usage:
//
//	q := coalesce.New()
//	q.Put("A", "200A")
//	q.Put("A", "180A") // replaces 200A
//	key, cmd, ok := q.TakeFirst("A", "B")
func New() *Queue {
	return &Queue{
		pending: make(map[string]string),
		sig:     make(chan struct{}, 1),
	}
}

// Put stores value as the pending command for key, replacing any unconsumed one.
func (q *Queue) Put(key, value string) {
	q.mu.Lock()
	if _, ok := q.pending[key]; ok {
		q.overwrites.Add(1)
	}
	q.pending[key] = value
	q.mu.Unlock()

	select {
	case q.sig <- struct{}{}:
	default:
	}
}

// Take removes and returns the pending command for key.
func (q *Queue) Take(key string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	v, ok := q.pending[key]
	if ok {
		delete(q.pending, key)
	}
	return v, ok
}

// TakeFirst takes the pending command of the first key in keys that has one.
// The order of keys is the drain preference.
func (q *Queue) TakeFirst(keys ...string) (key, value string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, k := range keys {
		if v, found := q.pending[k]; found {
			delete(q.pending, k)
			return k, v, true
		}
	}
	return "", "", false
}

// Wait blocks until a Put happens, timeout elapses or ctx is done.
// It reports false only when ctx is done. A wake-up may be spurious; callers
// re-check with Take.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.sig:
		return true
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Len is the number of keys with a pending command.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Overwrites counts commands superseded before they were taken.
func (q *Queue) Overwrites() uint64 {
	return q.overwrites.Load()
}
