package replication

import (
	"sync"
	"time"

	"echocog/domain/events"
)

type pendingEvent struct {
	event      events.SyncEvent
	superseded bool
}

// Debouncer holds outgoing events until edits go quiet for the debounce
// window, or until maxWait has passed since the first held event. On flush,
// updates to the same memory collapse into the latest one; everything else
// keeps its relative order.
type Debouncer struct {
	mu      sync.Mutex
	quiet   time.Duration
	maxWait time.Duration
	flush   func([]events.SyncEvent)

	pending []pendingEvent
	latest  map[string]int
	firstAt time.Time
	timer   *time.Timer
	stopped bool
	now     func() time.Time
}

func NewDebouncer(quiet, maxWait time.Duration, flush func([]events.SyncEvent)) *Debouncer {
	if maxWait < quiet {
		maxWait = quiet
	}
	return &Debouncer{
		quiet:   quiet,
		maxWait: maxWait,
		flush:   flush,
		latest:  make(map[string]int),
		now:     time.Now,
	}
}

// Add holds e and restarts the quiet window
func (d *Debouncer) Add(e events.SyncEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if len(d.pending) == 0 {
		d.firstAt = d.now()
	}
	if key, ok := e.CoalesceKey(); ok {
		if idx, seen := d.latest[key]; seen {
			d.pending[idx].superseded = true
		}
		d.latest[key] = len(d.pending)
	}
	d.pending = append(d.pending, pendingEvent{event: e})

	if d.quiet == 0 {
		d.flushLocked()
		return
	}

	delay := d.quiet
	if remaining := d.maxWait - d.now().Sub(d.firstAt); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(delay, d.Flush)
	} else {
		d.timer.Reset(delay)
	}
}

// Flush hands every held event to the flush function now
func (d *Debouncer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
}

func (d *Debouncer) flushLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	batch := d.take()
	if len(batch) > 0 {
		d.flush(batch)
	}
}

func (d *Debouncer) take() []events.SyncEvent {
	if len(d.pending) == 0 {
		return nil
	}
	out := make([]events.SyncEvent, 0, len(d.pending))
	for _, p := range d.pending {
		if !p.superseded {
			out = append(out, p.event)
		}
	}
	d.pending = d.pending[:0]
	d.latest = make(map[string]int)
	return out
}

// Pending is the number of held events that would be flushed
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, p := range d.pending {
		if !p.superseded {
			n++
		}
	}
	return n
}

// Stop discards held events and returns how many there were
func (d *Debouncer) Stop() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	return len(d.take())
}
