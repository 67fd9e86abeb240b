package replication

import (
	"sync"

	"echocog/domain/events"
)

// Queue is the bounded FIFO of events waiting to be published.
// When full it drops the newest event.
type Queue struct {
	mu      sync.Mutex
	items   []events.SyncEvent
	max     int
	dropped int64
}

func NewQueue(max int) *Queue {
	return &Queue{max: max, items: make([]events.SyncEvent, 0, min(max, 64))}
}

// Enqueue appends e, or drops it and returns false when the queue is full
func (q *Queue) Enqueue(e events.SyncEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		q.dropped++
		return false
	}
	q.items = append(q.items, e)
	return true
}

// Take removes and returns up to n events from the front
func (q *Queue) Take(n int) []events.SyncEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]events.SyncEvent, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped counts events rejected because the queue was full
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear empties the queue and returns how many events were discarded
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = q.items[:0]
	return n
}
