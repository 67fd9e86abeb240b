package replication

// Metrics receives replication counters. The prometheus collector in
// pkg/observability satisfies it.
type Metrics interface {
	EventEnqueued(eventType string)
	EventDropped(reason string)
	EventPublished(eventType string)
	EventRetried(eventType string)
	EventFailed(eventType string)
	EventApplied(eventType string)
	EventRejected(reason string)
	QueueDepth(n int)
}

type nopMetrics struct{}

func (nopMetrics) EventEnqueued(string) {}
func (nopMetrics) EventDropped(string) {}
func (nopMetrics) EventPublished(string) {}
func (nopMetrics) EventRetried(string) {}
func (nopMetrics) EventFailed(string) {}
func (nopMetrics) EventApplied(string) {}
func (nopMetrics) EventRejected(string) {}
func (nopMetrics) QueueDepth(int) {}

// NopMetrics discards everything
func NopMetrics() Metrics { return nopMetrics{} }
