package replication

import (
	"sync"
	"time"
)

// Status is the health of one instance's replication
type Status struct {
	Healthy   bool      `json:"healthy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusFeed publishes health changes. New subscribers receive the latest
// value immediately, and a slow subscriber only ever sees the newest value.
type StatusFeed struct {
	mu      sync.Mutex
	current Status
	subs    map[int]chan Status
	nextID  int
	closed  bool
}

func NewStatusFeed() *StatusFeed {
	return &StatusFeed{
		current: Status{Healthy: true, UpdatedAt: time.Now().UTC()},
		subs:    make(map[int]chan Status),
	}
}

// Current returns the latest status
func (f *StatusFeed) Current() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Set records the health and notifies subscribers when it changed
func (f *StatusFeed) Set(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.current.Healthy == healthy {
		return
	}
	f.current = Status{Healthy: healthy, UpdatedAt: time.Now().UTC()}
	for _, ch := range f.subs {
		offerLatest(ch, f.current)
	}
}

// Subscribe returns a channel primed with the current status and a cancel
// function. The channel is closed on cancel or when the feed closes.
func (f *StatusFeed) Subscribe() (<-chan Status, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Status, 1)
	if f.closed {
		ch <- f.current
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	ch <- f.current

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Close ends every subscription
func (f *StatusFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// offerLatest replaces whatever is buffered in ch with s
func offerLatest(ch chan Status, s Status) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
