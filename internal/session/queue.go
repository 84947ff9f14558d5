package session

import (
	"context"
	"sync"
	"time"
)

// requestQueue is a bounded FIFO of request IDs. Waiters block on the
// changed channel, which is closed and replaced on every mutation.
type requestQueue struct {
	mu       sync.Mutex
	ids      []string
	capacity int
	changed  chan struct{}
}

func newRequestQueue(capacity int) *requestQueue {
	return &requestQueue{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// signal must be called with mu held.
func (q *requestQueue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Offer appends id, waiting up to timeout for room. It returns false when
// the queue stayed full or ctx was cancelled.
func (q *requestQueue) Offer(ctx context.Context, id string, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.ids) < q.capacity {
			q.ids = append(q.ids, id)
			q.signal()
			q.mu.Unlock()
			return true
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Poll removes and returns the head, waiting up to timeout for one.
func (q *requestQueue) Poll(ctx context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.ids) > 0 {
			id := q.ids[0]
			q.ids[0] = ""
			q.ids = q.ids[1:]
			q.signal()
			q.mu.Unlock()
			return id, true
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}
}

// Remove drops id wherever it sits. Removing an absent id is a no-op.
func (q *requestQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, v := range q.ids {
		if v == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			q.signal()
			return true
		}
	}
	return false
}

func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func (q *requestQueue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.ids))
	copy(out, q.ids)
	return out
}

// Clear empties the queue and returns what it held.
func (q *requestQueue) Clear() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.ids
	q.ids = nil
	q.signal()
	return out
}
