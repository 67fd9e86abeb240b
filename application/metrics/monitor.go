package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"echocog/domain/core/entities"
)

const (
	DefaultSampleSchedule  = "@every 5s"
	DefaultHistoryDuration = 24 * time.Hour
)

// Source lists the memories a sample is computed from
type Source func(ctx context.Context) ([]*entities.Memory, error)

// Monitor samples system metrics on a cron schedule and keeps a bounded
// history of the results
type Monitor struct {
	calc      *Calculator
	source    Source
	schedule  string
	retention time.Duration
	logger    *zap.Logger

	mu        sync.RWMutex
	history   []SystemMetrics
	latest    *SystemMetrics
	observers []func(SystemMetrics)

	cron *cron.Cron
}

type MonitorOption func(*Monitor)

func WithSchedule(spec string) MonitorOption {
	return func(m *Monitor) { m.schedule = spec }
}

func WithRetention(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.retention = d }
}

func WithLogger(logger *zap.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// WithObserver registers fn to receive every new sample
func WithObserver(fn func(SystemMetrics)) MonitorOption {
	return func(m *Monitor) { m.observers = append(m.observers, fn) }
}

func NewMonitor(calc *Calculator, source Source, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		calc:      calc,
		source:    source,
		schedule:  DefaultSampleSchedule,
		retention: DefaultHistoryDuration,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start schedules sampling. The first sample is taken immediately.
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.schedule, func() {
		if _, err := m.Sample(ctx); err != nil {
			m.logger.Warn("Metrics sample failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	if _, err := m.Sample(ctx); err != nil {
		m.logger.Warn("Initial metrics sample failed", zap.Error(err))
	}

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	c.Start()
	m.logger.Info("Metrics monitor started", zap.String("schedule", m.schedule))
	return nil
}

// Stop halts sampling and waits for a running sample to finish
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Sample computes, records and returns one snapshot now
func (m *Monitor) Sample(ctx context.Context) (SystemMetrics, error) {
	memories, err := m.source(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}
	s := m.calc.Calculate(memories)

	m.mu.Lock()
	m.latest = &s
	m.history = append(m.history, s)
	m.pruneLocked(s.Timestamp)
	observers := append(([]func(SystemMetrics))(nil), m.observers...)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
	return s, nil
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.retention)
	i := 0
	for i < len(m.history) && !m.history[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		m.history = append(m.history[:0], m.history[i:]...)
	}
}

// Latest returns the most recent sample, if any
func (m *Monitor) Latest() (SystemMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return SystemMetrics{}, false
	}
	return *m.latest, true
}

// History returns the samples taken within d of the newest one, oldest first
func (m *Monitor) History(d time.Duration) []SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.history) == 0 {
		return nil
	}
	cutoff := m.history[len(m.history)-1].Timestamp.Add(-d)
	var out []SystemMetrics
	for _, s := range m.history {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
