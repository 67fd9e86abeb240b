package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"echocog/application/core"
	"echocog/application/metrics"
	"echocog/application/ports"
	"echocog/application/replication"
	domainconfig "echocog/domain/config"
	"echocog/domain/core/valueobjects"
	"echocog/infrastructure/config"
	"echocog/infrastructure/messaging/broadcast"
	"echocog/infrastructure/persistence"
	pkgerrors "echocog/pkg/errors"
	"echocog/pkg/observability"
)

type simulateOptions struct {
	Instances int
	Ops       int
	Seed      uint64
	Settle    time.Duration
	Storage   config.StorageConfig
}

func newSimulateCmd() *cobra.Command {
	opts := simulateOptions{Storage: config.StorageConfig{Backend: persistence.BackendMemory}}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run random concurrent mutations across instances and check consistency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := runSimulation(cmd.Context(), opts, zap.NewNop())
			if err != nil {
				return err
			}
			report.Print(cmd.OutOrStdout())
			if len(report.Violations) > 0 {
				return fmt.Errorf("%d invariant violations", len(report.Violations))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.Instances, "instances", "n", 4, "number of instances")
	f.IntVarP(&opts.Ops, "ops", "m", 200, "operations per instance")
	f.Uint64Var(&opts.Seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	f.DurationVar(&opts.Settle, "settle", 5*time.Second, "how long to wait for caches to converge")
	f.StringVar(&opts.Storage.Backend, "backend", persistence.BackendMemory, "memory or sqlite")
	f.StringVar(&opts.Storage.SQLitePath, "db", "data/simulate.db", "sqlite database path")
	return cmd
}

// SimulationReport summarizes one run
type SimulationReport struct {
	Seed       uint64
	Instances  int
	Operations map[string]int64
	Rejected   int64
	Memories   int
	Published  float64
	Dropped    float64
	Converged  bool
	Elapsed    time.Duration
	Metrics    metrics.SystemMetrics
	Violations []string
}

func (r SimulationReport) Print(w io.Writer) {
	fmt.Fprintf(w, "seed %d, %d instances, %s\n", r.Seed, r.Instances, r.Elapsed.Round(time.Millisecond))

	ops := make([]string, 0, len(r.Operations))
	for op := range r.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Fprintf(w, "  %-10s %d\n", op, r.Operations[op])
	}
	fmt.Fprintf(w, "  rejected   %d\n", r.Rejected)
	fmt.Fprintf(w, "memories %d, connections %.0f, load %.3f (%s)\n",
		r.Memories, r.Metrics.ActiveConnections, r.Metrics.SystemLoad, r.Metrics.LoadLevel)
	fmt.Fprintf(w, "events published %.0f, dropped %.0f, converged %v\n", r.Published, r.Dropped, r.Converged)

	if len(r.Violations) == 0 {
		fmt.Fprintln(w, "all invariants hold")
		return
	}
	for _, v := range r.Violations {
		fmt.Fprintln(w, "VIOLATION:", v)
	}
}

// idPool is the set of memory ids the workers pick targets from
type idPool struct {
	mu  sync.Mutex
	ids []valueobjects.MemoryID
}

func (p *idPool) add(id valueobjects.MemoryID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
}

func (p *idPool) pick(rng *rand.Rand) (valueobjects.MemoryID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		return valueobjects.MemoryID{}, false
	}
	return p.ids[rng.IntN(len(p.ids))], true
}

func (p *idPool) all() []valueobjects.MemoryID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]valueobjects.MemoryID(nil), p.ids...)
}

var simulationTags = []string{"physics", "history", "music", "code", "travel", "food"}

func runSimulation(ctx context.Context, opts simulateOptions, logger *zap.Logger) (SimulationReport, error) {
	if opts.Instances < 1 || opts.Ops < 0 {
		return SimulationReport{}, fmt.Errorf("need at least one instance and a non-negative op count")
	}
	start := time.Now()

	collector := observability.NewCollector("echocog_sim")
	repo, err := persistence.Open(ctx, opts.Storage, observability.NoopTracing().Tracer(), collector, logger)
	if err != nil {
		return SimulationReport{}, err
	}
	defer repo.Close()

	cfg := domainconfig.DefaultDomainConfig()
	cfg.Sync.RetryDelay = 10 * time.Millisecond
	cfg.Sync.ConflictBaseDelay = time.Millisecond
	cfg.Sync.PublishRate = 0

	hub := broadcast.NewHub(broadcast.WithLogger(logger))
	calc := metrics.NewCalculator(metrics.DefaultSettings())
	pool := core.NewPool(repo, func(id string) (ports.EventBus, error) {
		return hub.Endpoint(id), nil
	}, cfg, calc, core.PoolHooks{
		Metrics: func(id string) replication.Metrics { return collector.Sync(id) },
	}, logger)
	defer func() { _ = pool.CloseAll(context.Background()) }()

	instances := make([]*core.Instance, 0, opts.Instances)
	for i := 0; i < opts.Instances; i++ {
		inst, err := pool.Open(ctx)
		if err != nil {
			return SimulationReport{}, err
		}
		instances = append(instances, inst)
	}

	var (
		ids      idPool
		rejected atomic.Int64
		counts   = make([]map[string]int64, len(instances))
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range instances {
		counts[i] = make(map[string]int64)
		rng := rand.New(rand.NewPCG(opts.Seed, uint64(i)))
		g.Go(func() error {
			for n := 0; n < opts.Ops; n++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				op, err := randomOp(gctx, inst, rng, &ids)
				counts[i][op]++
				if err == nil {
					continue
				}
				if expectedRejection(err) {
					rejected.Add(1)
					continue
				}
				return fmt.Errorf("instance %s %s: %w", inst.ID(), op, err)
			}
			return inst.Flush(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return SimulationReport{}, err
	}

	report := SimulationReport{
		Seed:       opts.Seed,
		Instances:  opts.Instances,
		Operations: make(map[string]int64),
		Rejected:   rejected.Load(),
	}
	for _, c := range counts {
		for op, n := range c {
			report.Operations[op] += n
		}
	}

	report.Converged = waitConverged(ctx, repo, instances, ids.all(), opts.Settle)
	report.Violations = checkInvariants(ctx, repo)
	if !report.Converged {
		report.Violations = append(report.Violations, "instance caches did not converge with the store")
	}

	all, err := repo.List(ctx)
	if err != nil {
		return SimulationReport{}, err
	}
	report.Memories = len(all)
	report.Metrics = calc.Calculate(all)
	report.Published = counterTotal(collector, "echocog_sim_sync_events_published_total")
	report.Dropped = counterTotal(collector, "echocog_sim_sync_events_dropped_total")
	report.Elapsed = time.Since(start)
	return report, nil
}

func randomOp(ctx context.Context, inst *core.Instance, rng *rand.Rand, ids *idPool) (string, error) {
	roll := rng.IntN(100)
	target, ok := ids.pick(rng)
	if !ok {
		roll = 0
	}

	switch {
	case roll < 30:
		types := valueobjects.AllMemoryTypes()
		tag := simulationTags[rng.IntN(len(simulationTags))]
		m, err := inst.CreateMemory(ctx, types[rng.IntN(len(types))],
			fmt.Sprintf("%s note %d", tag, rng.IntN(1_000_000)), []string{tag})
		if err == nil {
			ids.add(m.ID())
		}
		return "create", err
	case roll < 50:
		other, _ := ids.pick(rng)
		if other.Equals(target) {
			return "connect", nil
		}
		return "connect", inst.ConnectMemories(ctx, target, other)
	case roll < 70:
		_, err := inst.UpdateMemoryEnergy(ctx, target, rng.Float64()*0.4-0.2)
		return "energy", err
	case roll < 85:
		tags := []string{simulationTags[rng.IntN(len(simulationTags))]}
		_, err := inst.UpdateMemoryResonance(ctx, target, tags)
		return "resonance", err
	case roll < 92:
		return "remove", inst.RemoveMemory(ctx, target)
	default:
		_, err := inst.SearchMemories(ctx, simulationTags[rng.IntN(len(simulationTags))], nil)
		return "search", err
	}
}

// expectedRejection covers races the protocol resolves by rejecting the
// losing operation, such as updating a memory another instance removed
func expectedRejection(err error) bool {
	return pkgerrors.IsNotFound(err) || pkgerrors.IsMissingEntity(err) || pkgerrors.IsConflict(err)
}

// waitConverged polls until every instance reads every memory at the
// stored version, and reads removed memories as absent
func waitConverged(ctx context.Context, repo ports.MemoryRepository, instances []*core.Instance, ids []valueobjects.MemoryID, settle time.Duration) bool {
	deadline := time.Now().Add(settle)
	for {
		if converged(ctx, repo, instances, ids) {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func converged(ctx context.Context, repo ports.MemoryRepository, instances []*core.Instance, ids []valueobjects.MemoryID) bool {
	for _, id := range ids {
		stored, err := repo.Get(ctx, id)
		if err != nil && !pkgerrors.IsNotFound(err) {
			return false
		}
		for _, inst := range instances {
			seen, err := inst.GetMemory(ctx, id)
			if err != nil {
				return false
			}
			switch {
			case stored == nil && seen != nil:
				return false
			case stored != nil && (seen == nil || seen.Version() != stored.Version()):
				return false
			}
		}
	}
	return true
}

// checkInvariants inspects the durable store: values stay in range and
// every connection is symmetric and points at an existing memory
func checkInvariants(ctx context.Context, repo ports.MemoryRepository) []string {
	all, err := repo.List(ctx)
	if err != nil {
		return []string{"list memories: " + err.Error()}
	}

	byID := make(map[valueobjects.MemoryID]bool, len(all))
	for _, m := range all {
		byID[m.ID()] = true
	}

	var violations []string
	for _, m := range all {
		if m.Energy() < 0 || m.Energy() > 1 {
			violations = append(violations, fmt.Sprintf("%s energy %v out of range", m.ID(), m.Energy()))
		}
		if m.Resonance() < 0 || m.Resonance() > 1 {
			violations = append(violations, fmt.Sprintf("%s resonance %v out of range", m.ID(), m.Resonance()))
		}
		for _, peerID := range m.Connections() {
			if !byID[peerID] {
				violations = append(violations, fmt.Sprintf("%s connected to missing %s", m.ID(), peerID))
				continue
			}
			peer, err := repo.Get(ctx, peerID)
			if err != nil {
				violations = append(violations, fmt.Sprintf("load %s: %v", peerID, err))
				continue
			}
			if !peer.IsConnectedTo(m.ID()) {
				violations = append(violations, fmt.Sprintf("%s -> %s is not symmetric", m.ID(), peerID))
			}
		}
	}
	return violations
}

func counterTotal(c *observability.Collector, name string) float64 {
	families, err := c.GetRegistry().Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
