package backfillcore

import "time"

// CycleDiagnostics accumulates the per-cycle counters spec.md §6 lists
// as persisted diagnostics. One instance is built fresh per cycle and
// returned by RunCycle; pkg/agent folds it into the Coordinator's
// in-memory totals, and pkg/diagnostics.Repository can store it.
type CycleDiagnostics struct {
	CycleNumber int64
	StartedAt   time.Time
	WallTime    time.Duration

	QueueLength   int
	DepthTested   int // jobs considered past the early-exit checks
	DepthTried    int // jobs TrySched was actually called for
	Backfilled    int // jobs successfully started this cycle
	Reserved      int // jobs that got a NodeSpaceMap reservation instead
	Deferred      int // jobs pushed past the window
	Skipped       int // jobs skipped for caps/policy/independence reasons

	Aborted      bool
	AbortReason  string
}

// Finish stamps WallTime from StartedAt to now; call once the cycle's
// queue is exhausted or it aborts.
func (d *CycleDiagnostics) Finish(now time.Time) {
	d.WallTime = now.Sub(d.StartedAt)
}
