package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
	"github.com/khryptorgraphics/clusterbackfill/pkg/backfillcore"
)

// Coordinator is the single process-wide coordination object spec.md
// §5 describes: the stop_backfill/config_flag flags, the last-cycle
// time and the running stats under one dedicated mutex, atomic
// job/node/partition version counters, plus the external four-way reader/writer
// lock set (config, jobs, nodes, partitions) a cycle acquires together.
// Named and shaped after pkg/p2p/node.go's BasicNode: one struct owns
// several small pieces of state guarded by a single lock.
type Coordinator struct {
	mu sync.Mutex

	stopRequested     bool
	reconfigRequested bool
	lastCycleAt       time.Time

	jobVersion  int64
	nodeVersion int64
	partVersion int64

	stats CycleStats

	// ConfigLock, JobsLock, NodesLock, PartsLock are the external
	// four-way lock set a cycle acquires together and a yield releases
	// together (spec.md §5's "Suspension points").
	ConfigLock sync.RWMutex
	JobsLock   sync.Mutex
	NodesLock  sync.Mutex
	PartsLock  sync.RWMutex
}

// CycleStats accumulates the running totals spec.md §6 lists as
// persisted diagnostics, across every cycle the loop has run.
type CycleStats struct {
	CycleCount      int64
	TotalWallTime   time.Duration
	LastCycleTime   time.Duration
	MaxCycleTime    time.Duration
	QueueLengthSum  int64
	DepthTestedSum  int64
	DepthTriedSum   int64
	BackfilledTotal int64
}

// NewCoordinator builds a Coordinator with all version counters at zero.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// StopAgent requests termination. Idempotent and safe under concurrent
// callers (spec.md §6 "Exposed operations").
func (c *Coordinator) StopAgent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested = true
}

// StopRequested reports whether StopAgent has been called.
func (c *Coordinator) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// ReconfigNotify requests a configuration reload before the next cycle.
func (c *Coordinator) ReconfigNotify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconfigRequested = true
}

// ConsumeReconfig reports whether a reload was requested, clearing the
// flag atomically so only one Loop iteration acts on it.
func (c *Coordinator) ConsumeReconfig() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reconfigRequested {
		return false
	}
	c.reconfigRequested = false
	return true
}

// ReconfigPending reports whether a reload was requested, without
// clearing the flag; a mid-cycle yield uses this to decide whether
// config_flag being set should count as "state changed" without
// stealing the signal from the loop's own end-of-iteration check.
func (c *Coordinator) ReconfigPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconfigRequested
}

// versionSnapshot is the last_job_update/last_node_update/last_part_update
// triple a yield revalidates against.
type versionSnapshot struct {
	jobs, nodes, parts int64
}

func (c *Coordinator) versions() versionSnapshot {
	return versionSnapshot{
		jobs:  atomic.LoadInt64(&c.jobVersion),
		nodes: atomic.LoadInt64(&c.nodeVersion),
		parts: atomic.LoadInt64(&c.partVersion),
	}
}

// BumpJobVersion, BumpNodeVersion, and BumpPartVersion are called by
// whatever owns the real job/node/partition tables whenever it mutates
// them; a yield compares the snapshot taken before it slept against the
// one taken after to decide whether state changed underneath the cycle.
func (c *Coordinator) BumpJobVersion()  { atomic.AddInt64(&c.jobVersion, 1) }
func (c *Coordinator) BumpNodeVersion() { atomic.AddInt64(&c.nodeVersion, 1) }
func (c *Coordinator) BumpPartVersion() { atomic.AddInt64(&c.partVersion, 1) }

// LastCycleAt returns the start time of the last recorded cycle.
func (c *Coordinator) LastCycleAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCycleAt
}

// RecordCycle folds a cycle's diagnostics into the running totals
// spec.md §6 says get persisted: cycle count, cumulative wall time,
// last/max cycle time, queue length, depth tested/tried, backfilled
// count.
func (c *Coordinator) RecordCycle(diag *backfillcore.CycleDiagnostics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.CycleCount++
	c.stats.TotalWallTime += diag.WallTime
	c.stats.LastCycleTime = diag.WallTime
	if diag.WallTime > c.stats.MaxCycleTime {
		c.stats.MaxCycleTime = diag.WallTime
	}
	c.stats.QueueLengthSum += int64(diag.QueueLength)
	c.stats.DepthTestedSum += int64(diag.DepthTested)
	c.stats.DepthTriedSum += int64(diag.DepthTried)
	c.stats.BackfilledTotal += int64(diag.Backfilled)
	c.lastCycleAt = diag.StartedAt
}

// Status is the read-only snapshot the admin API and pkg/clustercoord
// expose.
type Status struct {
	StopRequested bool
	LastCycleAt   time.Time
	Stats         CycleStats
	Config        config.BackfillConfig
}

// Snapshot returns the coordinator's current externally-visible state.
func (c *Coordinator) Snapshot(cfg config.BackfillConfig) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		StopRequested: c.stopRequested,
		LastCycleAt:   c.lastCycleAt,
		Stats:         c.stats,
		Config:        cfg,
	}
}
