package backfillcore

import "errors"

// Error kinds per spec.md §7. The planner is defensive: none of these
// ever escape a cycle — they localize to the one job being considered
// and the cycle moves on to the next.
var (
	// ErrConfigInvalid: a bad tunable was reset to its default. Logged
	// and the cycle continues with the corrected value.
	ErrConfigInvalid = errors.New("backfillcore: invalid configuration, reset to default")

	// ErrStateChanged: detected after a lock yield; the cycle aborts cleanly.
	ErrStateChanged = errors.New("backfillcore: cluster state changed during yield")

	// ErrNoFeasibleFit: job is too large or its feature constraints are
	// unsatisfiable within the window; deferred past the window.
	ErrNoFeasibleFit = errors.New("backfillcore: no feasible fit in window")

	// ErrOverlap: the planner's own reservation collided with another;
	// retry with later_start.
	ErrOverlap = errors.New("backfillcore: reservation overlap, retry later")

	// ErrAccountingPolicy: start refused by accounting policy; skip the
	// job without reserving (future is unknown).
	ErrAccountingPolicy = errors.New("backfillcore: accounting policy refused start")

	// ErrStartFailed: select_nodes rejected a planner-approved start;
	// still reserve on the speculation that a sleep-time state change
	// caused it.
	ErrStartFailed = errors.New("backfillcore: external start rejected after approval")

	// ErrStale: generation-token mismatch after a yield; drop the
	// reference, continue with the next job.
	ErrStale = errors.New("backfillcore: stale job reference after yield")
)
