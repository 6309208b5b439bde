// Package backfillcore implements the backfill planner (spec.md §4.D):
// the main per-cycle algorithm that builds a priority-sorted job
// queue, projects a node-availability timeline, and either starts each
// pending job now or reserves its projected future slot.
package backfillcore

import (
	"context"
	"log/slog"
	"time"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
	"github.com/khryptorgraphics/clusterbackfill/pkg/collab"
	"github.com/khryptorgraphics/clusterbackfill/pkg/nodespace"
	"github.com/khryptorgraphics/clusterbackfill/pkg/preempt"
	"github.com/khryptorgraphics/clusterbackfill/pkg/tryschedule"
)

// bfMaxUsers bounds the per-user counter map (spec.md §4.D step 3).
const bfMaxUsers = 1000

// maxNodesOverflowGuard mirrors the 500000 clamp used throughout the
// original for min/max/req node arithmetic.
const maxNodesOverflowGuard = 500000

// windowResolveIterLimit bounds the g-i retry loop so a pathological
// NodeSpaceMap (every candidate window colliding) cannot spin forever
// within one job's consideration; the real bound is the window itself,
// this is a backstop.
const windowResolveIterLimit = 10000

// Preconditions carries the cycle-level state the caller (pkg/agent)
// gathered under its read/write locks: whether enough time has passed,
// whether anything is completing, and whether cluster state changed
// since the last cycle. RunCycle consults these for its early exits
// (spec.md §4.D "Preconditions and early exits").
type Preconditions struct {
	LastCycleAt          time.Time
	AnyJobCompleting     bool
	AnyFrontEndAvailable bool
	StateChangedSinceLast bool
}

// YieldCheck is called whenever the planner yields locks mid-cycle
// (spec.md §5). It must sleep, then report whether job/node/partition
// state changed while locks were released.
type YieldCheck func(ctx context.Context, sleep time.Duration) (stateChanged bool, err error)

// Planner holds every external collaborator the backfill core
// consumes (spec.md §6) plus the tunables and clock it runs against.
type Planner struct {
	QueueBuilder      collab.JobQueueBuilder
	ReservationSystem collab.ReservationSystem
	LicenseManager    collab.LicenseManager
	FrontEnd          collab.FrontEndAvailability
	Independence      collab.JobIndependence
	FeatureFilter     collab.NodeFeatureFilter
	AccountingPolicy  collab.AccountingPolicy
	Launcher          collab.JobLauncher
	Partitions        collab.PartitionLookup
	QoS               collab.QoSLookup
	Assoc             collab.AssocLookup
	Running           collab.RunningJobsProvider

	Preempt   *preempt.Selector
	TrySched  *tryschedule.Adapter

	Config config.BackfillConfig
	Log    *slog.Logger

	// Now returns the current time; overridable for tests.
	Now func() time.Time

	// Yield is invoked at step 4.a; overridable for tests so a
	// deterministic "state changed" answer can be injected.
	Yield YieldCheck

	rpcBudget  *rpcBudget
	failJobID  map[int64]bool // jobs whose start failed; logged only on the first failure (§7)
}

// New builds a Planner wired to its collaborators.
func New(queueBuilder collab.JobQueueBuilder, resv collab.ReservationSystem, lic collab.LicenseManager,
	frontEnd collab.FrontEndAvailability, indep collab.JobIndependence, filter collab.NodeFeatureFilter,
	acct collab.AccountingPolicy, launcher collab.JobLauncher, parts collab.PartitionLookup,
	qos collab.QoSLookup, assoc collab.AssocLookup, running collab.RunningJobsProvider,
	sel *preempt.Selector, adapter *tryschedule.Adapter,
	cfg config.BackfillConfig, log *slog.Logger) *Planner {

	if log == nil {
		log = slog.Default()
	}
	return &Planner{
		QueueBuilder:      queueBuilder,
		ReservationSystem: resv,
		LicenseManager:    lic,
		FrontEnd:          frontEnd,
		Independence:      indep,
		FeatureFilter:     filter,
		AccountingPolicy:  acct,
		Launcher:          launcher,
		Partitions:        parts,
		QoS:               qos,
		Assoc:             assoc,
		Running:           running,
		Preempt:           sel,
		TrySched:          adapter,
		Config:            cfg,
		Log:               log,
		Now:               time.Now,
		rpcBudget:         newRPCBudget(cfg.MaxRPCCount),
		failJobID:         make(map[int64]bool),
	}
}

// RunCycle executes one backfill planning cycle. avail is the
// globally-available-nodes bitmap; completingNodes holds nodes still
// draining a prior job. It returns diagnostics for every cycle it
// actually runs, including aborted ones.
func (p *Planner) RunCycle(ctx context.Context, avail, completingNodes *clusterstate.NodeBitmap, pre Preconditions) (*CycleDiagnostics, error) {
	now := p.Now()
	diag := &CycleDiagnostics{StartedAt: now}

	if reason, skip := p.earlyExit(now, pre); skip {
		diag.Aborted = true
		diag.AbortReason = reason
		diag.Finish(now)
		return diag, nil
	}

	recs, err := p.QueueBuilder.BuildJobQueue(ctx, true, true)
	if err != nil {
		diag.Aborted = true
		diag.AbortReason = "queue build failed: " + err.Error()
		diag.Finish(p.Now())
		return diag, err
	}
	diag.QueueLength = len(recs)
	queue := newJobQueue(recs)

	space := nodespace.New(now, p.Config.Window(), avail, p.Config.MaxJobTest)
	nonCG := completingNodes.Not()

	partCounts := make(map[string]int)
	userCounts := make(map[uint32]int)
	rejectedArrays := make(map[int64]bool)

	cycleDeadline := now.Add(p.Config.SchedTimeout())
	started := 0

	for {
		if p.cycleTimeExceeded(cycleDeadline) || p.rpcBudget.exceeded() {
			if p.Yield != nil {
				changed, err := p.Yield(ctx, p.Config.YieldSleep())
				if err != nil {
					diag.Aborted = true
					diag.AbortReason = "yield failed: " + err.Error()
					break
				}
				if changed {
					if !p.Config.Continue {
						diag.Aborted = true
						diag.AbortReason = "state changed during yield"
						break
					}
					// bf_continue: resume with the next job, but no
					// further reservations should be considered stale
					// until re-validated — callers of RunCycle own
					// re-snapshotting job/partition pointers between
					// cycles; within this loop we simply continue.
				}
				cycleDeadline = p.Now().Add(p.Config.SchedTimeout())
			} else {
				diag.Aborted = true
				diag.AbortReason = "sched_timeout exceeded, no yield handler configured"
				break
			}
		}

		select {
		case <-ctx.Done():
			diag.Aborted = true
			diag.AbortReason = "shutdown requested"
			diag.Finish(p.Now())
			return diag, nil
		default:
		}

		rec, ok := queue.popNext()
		if !ok {
			break
		}
		job := rec.Job
		diag.DepthTested++

		if !job.IsPending() || job.PreemptInProgress {
			diag.Skipped++
			continue
		}
		if job.ArrayJobID != 0 && rejectedArrays[job.ArrayJobID] {
			diag.Skipped++
			continue
		}
		if !p.FrontEnd.Available(ctx, job) {
			diag.Skipped++
			continue
		}

		partCounts[rec.PartitionName]++
		if p.Config.MaxJobPart > 0 && partCounts[rec.PartitionName] > p.Config.MaxJobPart {
			diag.Skipped++
			continue
		}
		if len(userCounts) < bfMaxUsers || userCounts[job.UserID] > 0 {
			userCounts[job.UserID]++
		}
		if p.Config.MaxJobUser > 0 && userCounts[job.UserID] > p.Config.MaxJobUser {
			diag.Skipped++
			continue
		}

		part, err := p.Partitions.LookupPartition(ctx, rec.PartitionName)
		if err != nil {
			diag.Skipped++
			continue
		}
		if (part.IsRootOnly()) || !part.SchedulingEnabled {
			diag.Skipped++
			continue
		}
		if !p.Independence.Independent(ctx, job) {
			diag.Skipped++
			continue
		}
		if ok, err := p.LicenseManager.JobTest(ctx, job); err != nil || !ok {
			diag.Skipped++
			continue
		}

		minNodes, maxNodes, reqNodes, feasible := resolveNodeCounts(job, part)
		if !feasible {
			diag.Deferred++
			continue
		}

		qos, err := p.QoS.LookupQoS(ctx, job.QoSName)
		if err != nil {
			diag.Skipped++
			continue
		}
		timeLimit := resolveTimeLimit(job, part, qos, preempt.PreemptionEnabled(qos.PreemptMode))

		result, laterStart, deferPastWindow := p.resolveWindow(ctx, job, part, space, nonCG, now, now, timeLimit, minNodes, maxNodes, reqNodes)
		if deferPastWindow {
			diag.Deferred++
			continue
		}
		if result == nil {
			diag.Skipped++
			continue
		}
		diag.DepthTried++

		if !result.StartTime.After(now) {
			if err := p.tryStart(ctx, job, result, qos, timeLimit); err != nil {
				switch err {
				case ErrAccountingPolicy:
					diag.Skipped++
					continue
				case ErrStartFailed:
					if !p.failJobID[job.JobID] {
						p.Log.Info("backfill: job start failed after planner approval", "job_id", job.JobID)
					}
					p.failJobID[job.JobID] = true
					// fall through: still plant a reservation below
				default:
					diag.Skipped++
					continue
				}
			} else {
				diag.Backfilled++
				started++
				p.raiseTimeLimit(ctx, job, space, timeLimit)
				if p.Config.MaxJobStart > 0 && started >= p.Config.MaxJobStart {
					break
				}
				continue
			}
		}

		reserved := false
		for attempt := 0; attempt < windowResolveIterLimit; attempt++ {
			outcome, retryAt := p.plantReservation(job, space, now, result, timeLimit, laterStart)
			if outcome == plantPlanted {
				reserved = true
				break
			}
			if outcome != plantOverlap {
				break
			}
			// TRY_LATER: a reservation collided with one planted earlier
			// this cycle, or the snapped start fell past later_start;
			// re-resolve the window starting from retryAt rather than
			// giving up on the job.
			var deferAgain bool
			result, laterStart, deferAgain = p.resolveWindow(ctx, job, part, space, nonCG, now, retryAt, timeLimit, minNodes, maxNodes, reqNodes)
			if deferAgain {
				break
			}
		}
		if !reserved {
			if job.ArrayJobID != 0 {
				rejectedArrays[job.ArrayJobID] = true
			}
			diag.Deferred++
			continue
		}
		diag.Reserved++

		if space.Len() >= space.Cap() {
			diag.AbortReason = "nodespace arena full"
			break
		}
	}

	diag.Finish(p.Now())
	return diag, nil
}

// earlyExit implements spec.md 4.D's cycle-level early exits.
func (p *Planner) earlyExit(now time.Time, pre Preconditions) (string, bool) {
	if !pre.LastCycleAt.IsZero() && now.Sub(pre.LastCycleAt) < p.Config.Interval() {
		return "bf_interval not elapsed", true
	}
	if pre.AnyJobCompleting {
		return "job completing", true
	}
	if p.rpcBudget.exceeded() {
		return "rpc pressure at defer_rpc_cnt", true
	}
	if !pre.AnyFrontEndAvailable {
		return "no front-end available", true
	}
	if !pre.StateChangedSinceLast {
		return "no job/node/partition update since last cycle", true
	}
	return "", false
}

func (p *Planner) cycleTimeExceeded(deadline time.Time) bool {
	return p.Now().After(deadline)
}

// resolveNodeCounts computes min/max/req nodes from job and partition
// bounds with the 500000 overflow guard (spec.md 4.D.e).
func resolveNodeCounts(job *clusterstate.Job, part *clusterstate.Partition) (min, max, req int, feasible bool) {
	min = job.Details.MinNodes
	if part.MinNodes > min {
		min = part.MinNodes
	}

	if job.Details.MaxNodes == 0 {
		max = part.MaxNodes
	} else {
		max = job.Details.MaxNodes
		if part.MaxNodes > 0 && part.MaxNodes < max {
			max = part.MaxNodes
		}
	}
	if max > maxNodesOverflowGuard {
		max = maxNodesOverflowGuard
	}

	if job.Details.UserSetMaxNodes && job.Details.MaxNodes != 0 {
		req = max
	} else {
		req = min
	}

	if min > max {
		return 0, 0, 0, false
	}
	return min, max, req, true
}

// resolveTimeLimit implements spec.md 4.D.f: intersect the partition's
// max_time (INFINITE treated as one year) with the job's time_limit;
// NO_RESERVE under cluster-wide preemption forces a 1-minute planning
// limit; otherwise time_min may lower it further.
func resolveTimeLimit(job *clusterstate.Job, part *clusterstate.Partition, qos *clusterstate.QoS, preemptionEnabled bool) int64 {
	limit := part.ClampMaxTime()
	if job.TimeLimit > 0 && job.TimeLimit < limit {
		limit = job.TimeLimit
	}

	if qos.NoReserve && preemptionEnabled {
		return 1
	}
	if job.TimeMin > 0 && job.TimeMin < limit {
		limit = job.TimeMin
	}
	return limit
}

// windowResult is what resolveWindow hands back to the caller once a
// TrySched attempt has actually run.
type windowResult = collab.TestResult

// resolveWindow implements spec.md 4.D steps g-i: resolve the earliest
// feasible window, retrying at later_start until a feasible avail
// bitmap is found, the window runs out, or TrySched is finally called.
// startRes is the probe's entry point; callers doing an initial
// resolution pass cycleStart, and the TRY_LATER retry in RunCycle (when
// plantReservation finds the chosen window collided with a reservation
// planted since) re-enters here at the collision point instead.
func (p *Planner) resolveWindow(ctx context.Context, job *clusterstate.Job, part *clusterstate.Partition,
	space *nodespace.Map, nonCG *clusterstate.NodeBitmap, cycleStart, startRes time.Time, timeLimit int64,
	minNodes, maxNodes, reqNodes int) (result *windowResult, laterStart time.Time, deferPastWindow bool) {

	windowEnd := cycleStart.Add(p.Config.Window())
	origTimeLimit := timeLimit

	for iter := 0; iter < windowResolveIterLimit; iter++ {
		probe, err := p.ReservationSystem.JobTestResv(ctx, job, startRes, true)
		if err != nil {
			return nil, time.Time{}, true
		}
		startRes = probe.StartRes
		if startRes.After(windowEnd) || startRes.Equal(windowEnd) {
			return nil, time.Time{}, true
		}

		endTime := startRes.Add(time.Duration(timeLimit) * time.Minute)
		resvEnd, _ := p.ReservationSystem.FindResvEnd(ctx, startRes)

		avail := part.NodeBitmap.And(nonCG)
		mapAvail := space.FindAvailAt(startRes, endTime)
		if mapAvail != nil {
			avail = avail.And(mapAvail)
		}

		later := space.LaterStart(startRes)
		if !resvEnd.IsZero() {
			candidate := resvEnd.Add(time.Second)
			if later.IsZero() || candidate.Before(later) {
				later = candidate
			}
		}

		if probe.ExcludedCores != nil {
			avail = avail.AndNot(probe.ExcludedCores)
		}

		if avail.Popcount() < minNodes {
			if later.IsZero() || later.After(windowEnd) {
				return nil, time.Time{}, true
			}
			startRes = later
			timeLimit = origTimeLimit
			continue
		}

		if p.FeatureFilter != nil {
			filtered, err := p.FeatureFilter.Filter(ctx, job, avail)
			if err == nil {
				avail = filtered
			}
		}

		preempteeSrc := trySchedPreemptSource{planner: p, ctx: ctx, job: job, part: part}
		p.TrySched.Preempt = preempteeSrc

		res, err := p.TrySched.TrySched(ctx, job, avail, minNodes, maxNodes, reqNodes, probe.ExcludedCores, cycleStart)
		if err != nil {
			if later.IsZero() || later.After(windowEnd) {
				return nil, time.Time{}, true
			}
			startRes = later
			timeLimit = origTimeLimit
			continue
		}
		return res, later, false
	}

	return nil, time.Time{}, true
}

// trySchedPreemptSource adapts the planner's Preempt selector into
// tryschedule.PreemptSource. It fetches the running-job snapshot fresh
// from the planner's collab.RunningJobsProvider, resolves each running
// job's partition via collab.PartitionLookup (falling back to the
// preemptor's partition on lookup failure), and resolves accounts via
// collab.AssocLookup. This module does not track a live running-job
// set itself; tests supply their own provider.
type trySchedPreemptSource struct {
	planner *Planner
	ctx     context.Context
	job     *clusterstate.Job
	part    *clusterstate.Partition
}

func (t trySchedPreemptSource) FindPreemptable(ctx context.Context, job *clusterstate.Job) ([]*clusterstate.Job, error) {
	if t.planner.Running == nil || t.planner.Preempt == nil {
		return nil, nil
	}
	running, err := t.planner.Running.RunningJobs(ctx)
	if err != nil {
		return nil, err
	}

	partitionOf := func(j *clusterstate.Job) *clusterstate.Partition {
		pp, err := t.planner.Partitions.LookupPartition(ctx, j.PartitionName)
		if err != nil {
			return t.part
		}
		return pp
	}

	cands, err := t.planner.Preempt.FindPreemptable(ctx, job, t.part, running, partitionOf, t.planner.Assoc.Lookup)
	if err != nil {
		return nil, err
	}

	out := make([]*clusterstate.Job, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Job)
	}
	return out, nil
}

// tryStart implements spec.md 4.D.k-l: attempt to actually start the
// job, applying accounting-policy adjustments first.
func (p *Planner) tryStart(ctx context.Context, job *clusterstate.Job, result *windowResult, qos *clusterstate.QoS, timeLimit int64) error {
	allowed, err := p.AccountingPolicy.Allows(ctx, job)
	if err != nil || !allowed {
		return ErrAccountingPolicy
	}

	timeLimitChanged := job.TimeLimit != timeLimit
	if timeLimitChanged {
		if err := p.AccountingPolicy.AlterJobTimeLimit(ctx, job, timeLimit); err != nil {
			return ErrAccountingPolicy
		}
		job.TimeLimit = timeLimit
	}

	job.EndTime = result.StartTime.Add(time.Duration(timeLimit) * time.Minute)

	if err := p.Launcher.Launch(ctx, job); err != nil {
		return ErrStartFailed
	}
	if err := p.Launcher.RecordStart(ctx, job, timeLimitChanged); err != nil {
		return ErrStartFailed
	}

	job.State = clusterstate.JobStateRunning
	job.StartTime = result.StartTime
	job.NodeBitmap = result.SelectedNodes
	return nil
}

// raiseTimeLimit implements spec.md 4.D's "Time-limit raise": when a
// job started using time_min rather than its full time_limit, extend
// it as far as the NodeSpaceMap allows before another reservation
// would block it, capped at the job's original time_limit and floored
// at time_min.
func (p *Planner) raiseTimeLimit(ctx context.Context, job *clusterstate.Job, space *nodespace.Map, usedTimeLimit int64) {
	if job.TimeMin <= 0 || job.TimeMin >= usedTimeLimit {
		return
	}
	if job.NodeBitmap == nil {
		return
	}

	newLimitMinutes := usedTimeLimit
	for _, e := range space.Entries() {
		if !e.Begin.After(job.StartTime) {
			continue
		}
		if e.Avail.Superset(job.NodeBitmap) {
			continue
		}
		minutesAvailable := int64(e.Begin.Sub(job.StartTime) / time.Minute)
		if minutesAvailable < newLimitMinutes {
			newLimitMinutes = minutesAvailable
		}
		break
	}

	if newLimitMinutes < job.TimeMin {
		newLimitMinutes = job.TimeMin
	}
	if newLimitMinutes >= usedTimeLimit {
		return
	}

	job.TimeLimit = newLimitMinutes
	job.EndTime = job.StartTime.Add(time.Duration(newLimitMinutes) * time.Minute)
	_ = p.ReservationSystem.NotifyTimeLimitChange(ctx, job, newLimitMinutes)
}

// plantOutcome distinguishes plantReservation's three results: planted,
// retry (collided with an existing reservation, or the snapped start
// fell past later_start; retry at the returned time per spec.md 4.D.m's
// TRY_LATER path), or failed outright (window/arena
// exhausted, nothing more to try for this job).
type plantOutcome int

const (
	plantPlanted plantOutcome = iota
	plantOverlap
	plantFailed
)

// plantReservation implements spec.md 4.D.m: snap start/end to the
// resolution boundary, retry at later_start if needed, bail if the
// window or the arena is exhausted, and otherwise reserve the
// complement of the selected bitmap. A snapped start past later_start
// is reported as plantOverlap with later_start, and an overlap with an
// existing reservation as plantOverlap with the collision start time,
// rather than treated as failure — the caller re-resolves the window
// from that point (the TRY_LATER goto in the original backfill loop)
// instead of giving up on the job.
func (p *Planner) plantReservation(job *clusterstate.Job, space *nodespace.Map, cycleStart time.Time,
	result *windowResult, timeLimit int64, laterStart time.Time) (outcome plantOutcome, retryAt time.Time) {

	resolution := p.Config.Resolution()
	windowEnd := cycleStart.Add(p.Config.Window())

	startTime := snapDown(result.StartTime, cycleStart, resolution)
	endReserve := startTime.Add(time.Duration(timeLimit) * time.Minute)
	endReserve = snapUp(endReserve, cycleStart, resolution)

	if !laterStart.IsZero() && startTime.After(laterStart) {
		return plantOverlap, laterStart
	}
	if startTime.After(windowEnd) {
		return plantFailed, time.Time{}
	}
	if space.Len() >= space.Cap() {
		return plantFailed, time.Time{}
	}

	used := result.SelectedNodes
	if used == nil {
		return plantFailed, time.Time{}
	}

	if space.TestOverlap(used, startTime, endReserve) {
		return plantOverlap, startTime
	}

	if err := space.AddReservation(startTime, endReserve, used); err != nil {
		return plantFailed, time.Time{}
	}
	return plantPlanted, time.Time{}
}

// snapDown rounds t down to the nearest multiple of step past base.
func snapDown(t, base time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t
	}
	elapsed := t.Sub(base)
	snapped := (elapsed / step) * step
	return base.Add(snapped)
}

// snapUp rounds t up to the nearest multiple of step past base.
func snapUp(t, base time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t
	}
	elapsed := t.Sub(base)
	rem := elapsed % step
	if rem == 0 {
		return t
	}
	return base.Add(elapsed + (step - rem))
}
