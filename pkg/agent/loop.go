// Package agent implements the backfill agent loop (spec.md §4.E): a
// dedicated worker that sleeps up to bf_interval, checks for shutdown
// or reconfiguration, and otherwise acquires the cluster lock set and
// runs one planner cycle.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
	"github.com/khryptorgraphics/clusterbackfill/pkg/backfillcore"
	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
)

// PreconditionGatherer collects the per-cycle snapshot RunCycle needs:
// the node-availability bitmap, the completing-nodes bitmap, and the
// Preconditions struct. It is supplied by whoever owns the real
// cluster state, since this package deliberately knows nothing about
// how jobs/nodes/partitions are stored.
type PreconditionGatherer func(ctx context.Context) (avail, completing *clusterstate.NodeBitmap, pre backfillcore.Preconditions, err error)

// ConfigReloader reloads configuration from wherever it lives (a file,
// an env var, a control-plane push) when a reconfiguration was
// requested.
type ConfigReloader func() (config.BackfillConfig, error)

// Loop is the agent's dedicated worker thread, modeled on
// pkg/p2p/node.go's Start/Stop lifecycle convention (ctx + cancel +
// a WaitGroup standing in for "started bool").
type Loop struct {
	Planner  *backfillcore.Planner
	Coord    *Coordinator
	Gather   PreconditionGatherer
	Reload   ConfigReloader
	Log      *slog.Logger

	// sleeper abstracts time.After for tests; defaults to the real clock.
	sleeper func(d time.Duration) <-chan time.Time

	cfgMu sync.RWMutex
	cfg   config.BackfillConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Loop. cfg is the initial configuration; Reload (if set)
// is consulted whenever Coord.ConsumeReconfig() reports a pending
// reconfiguration.
func New(planner *backfillcore.Planner, coord *Coordinator, gather PreconditionGatherer,
	reload ConfigReloader, cfg config.BackfillConfig, log *slog.Logger) *Loop {

	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		Planner: planner,
		Coord:   coord,
		Gather:  gather,
		Reload:  reload,
		Log:     log,
		cfg:     cfg,
		sleeper: time.After,
	}
	planner.Yield = l.yield
	return l
}

// yield implements spec.md §5's suspension-point-2 contract: release
// all four cluster locks, sleep, reacquire them in the same order, then
// report whether the job/node/partition version counters moved while
// they were released. Installed as Planner.Yield so RunCycle's own
// yield-handling (continue/abort on bf_continue) stays collaborator-agnostic.
func (l *Loop) yield(ctx context.Context, sleep time.Duration) (bool, error) {
	before := l.Coord.versions()

	l.Coord.PartsLock.RUnlock()
	l.Coord.NodesLock.Unlock()
	l.Coord.JobsLock.Unlock()
	l.Coord.ConfigLock.RUnlock()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-l.sleeper(sleep):
	}

	l.Coord.ConfigLock.RLock()
	l.Coord.JobsLock.Lock()
	l.Coord.NodesLock.Lock()
	l.Coord.PartsLock.RLock()

	after := l.Coord.versions()
	changed := after != before || l.Coord.ReconfigPending()
	return changed, nil
}

// Config returns the loop's current configuration.
func (l *Loop) Config() config.BackfillConfig {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg
}

// Start launches the agent loop in a background goroutine and returns
// immediately; it does not block waiting for the first cycle.
func (l *Loop) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop requests shutdown and waits (up to ctx's deadline) for the loop
// goroutine to exit.
func (l *Loop) Stop(ctx context.Context) error {
	l.Coord.StopAgent()
	if l.cancel != nil {
		l.cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the loop body: sleep, check shutdown, check reconfiguration,
// acquire locks, run a cycle, release locks, record the cycle.
func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		interval := l.Config().Interval()
		select {
		case <-ctx.Done():
			return
		case <-l.sleeper(interval):
		}

		if l.Coord.StopRequested() {
			return
		}

		if l.Coord.ConsumeReconfig() {
			l.reloadConfig()
		}

		if err := l.runCycle(ctx); err != nil {
			l.Log.Error("backfill cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (l *Loop) reloadConfig() {
	if l.Reload == nil {
		return
	}
	cfg, err := l.Reload()
	if err != nil {
		l.Log.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			l.Log.Error("invalid backfill configuration, reset to default", "problem", p)
		}
	}
	l.cfgMu.Lock()
	l.cfg = cfg
	l.cfgMu.Unlock()
	l.Planner.Config = cfg
}

// runCycle acquires the four-way lock set, runs one planner cycle, and
// releases the locks before returning — mirroring spec.md §5's "acquired
// together for a cycle" ordering (config read, jobs write, nodes write,
// partitions read).
func (l *Loop) runCycle(ctx context.Context) error {
	l.Coord.ConfigLock.RLock()
	l.Coord.JobsLock.Lock()
	l.Coord.NodesLock.Lock()
	l.Coord.PartsLock.RLock()
	defer func() {
		l.Coord.PartsLock.RUnlock()
		l.Coord.NodesLock.Unlock()
		l.Coord.JobsLock.Unlock()
		l.Coord.ConfigLock.RUnlock()
	}()

	avail, completing, pre, err := l.Gather(ctx)
	if err != nil {
		return err
	}
	pre.LastCycleAt = l.Coord.LastCycleAt()

	diag, err := l.Planner.RunCycle(ctx, avail, completing, pre)
	if err != nil {
		return err
	}
	l.Coord.RecordCycle(diag)
	return nil
}
