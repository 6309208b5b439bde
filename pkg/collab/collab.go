// Package collab defines the interfaces the backfill core consumes
// from external collaborators (spec.md §6): node selection, the
// priority-sorted job queue builder, the reservation system, the
// licence manager, and the job launcher/accounting-policy hooks. The
// core never reaches into their internals — these are the whole
// contract.
package collab

import (
	"context"
	"time"

	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
)

// SchedStatus is the result of a NodeSelector probe.
type SchedStatus int

const (
	StatusOK SchedStatus = iota
	StatusNodesBusy
	StatusAccountingPolicy
	StatusNoFrontEnd
	StatusError
)

// WillRun, when passed to NodeSelector.TestJob, means "project a
// start time, do not actually allocate."
type WillRun bool

const (
	WillRunTrue  WillRun = true
	WillRunFalse WillRun = false
)

// TestResult carries select_job_test's projected outcome.
type TestResult struct {
	Status     SchedStatus
	StartTime  time.Time
	EndTime    time.Time
	SelectedNodes *clusterstate.NodeBitmap
}

// NodeSelector is the external select_job_test / select_nodes
// collaborator (node selection / resource-fit testing is explicitly
// out of scope for this module; only its interface is specified).
type NodeSelector interface {
	// TestJob projects feasibility and (if willRun is false) actually
	// allocates. preempteeCandidates is the list the adapter computed
	// via pkg/preempt, in the order pkg/preempt returned it (not sorted
	// by priority); the selector may use it to decide
	// whether preempting would let the job start sooner.
	TestJob(ctx context.Context, job *clusterstate.Job, avail *clusterstate.NodeBitmap,
		minNodes, maxNodes, reqNodes int, willRun WillRun,
		preempteeCandidates []*clusterstate.Job, excCores *clusterstate.NodeBitmap) (*TestResult, error)

	// StartJob actually launches the job (select_nodes with willRun=false).
	StartJob(ctx context.Context, job *clusterstate.Job) error
}

// JobQueueRec is one entry of the priority-sorted queue build_job_queue returns.
type JobQueueRec struct {
	Job           *clusterstate.Job
	PartitionName string
	Priority      int64
	JobIDSnapshot int64 // for stale-reference detection after a lock yield
}

// JobQueueBuilder is the external build_job_queue collaborator.
type JobQueueBuilder interface {
	BuildJobQueue(ctx context.Context, includePending, includeSuspended bool) ([]JobQueueRec, error)
}

// ReservationProbe is job_test_resv's result: the earliest feasible
// start time and any cores reservations exclude.
type ReservationProbe struct {
	StartRes   time.Time
	ExcludedCores *clusterstate.NodeBitmap
	Avail      *clusterstate.NodeBitmap
}

// ReservationSystem is the external reservation-system collaborator
// (administrator reservations, distinct from the planner's own
// in-memory NodeSpaceMap reservations).
type ReservationSystem interface {
	// JobTestResv consults reservations for the earliest feasible
	// start at or after startRes.
	JobTestResv(ctx context.Context, job *clusterstate.Job, startRes time.Time, backfill bool) (*ReservationProbe, error)

	// FindResvEnd returns the smallest reservation boundary >= t, or
	// the zero time if none exists.
	FindResvEnd(ctx context.Context, t time.Time) (time.Time, error)

	// NotifyTimeLimitChange informs the reservation manager that a
	// job's time limit changed (the "Time-limit raise" step of §4.D).
	NotifyTimeLimitChange(ctx context.Context, job *clusterstate.Job, newTimeLimitMinutes int64) error
}

// LicenseManager is the external license_job_test collaborator.
type LicenseManager interface {
	JobTest(ctx context.Context, job *clusterstate.Job) (bool, error)
}

// FrontEndAvailability is the external avail_front_end collaborator.
type FrontEndAvailability interface {
	Available(ctx context.Context, job *clusterstate.Job) bool
}

// JobIndependence is the external job_independent collaborator.
type JobIndependence interface {
	Independent(ctx context.Context, job *clusterstate.Job) bool
}

// NodeFeatureFilter is the external job_req_node_filter collaborator:
// it narrows a candidate bitmap to nodes matching the job's required
// feature list.
type NodeFeatureFilter interface {
	Filter(ctx context.Context, job *clusterstate.Job, candidates *clusterstate.NodeBitmap) (*clusterstate.NodeBitmap, error)
}

// AccountingPolicy is the external acct_policy_alter_job /
// accounting-refusal collaborator consulted when a job starts.
type AccountingPolicy interface {
	// AlterJobTimeLimit informs accounting of a changed time limit.
	AlterJobTimeLimit(ctx context.Context, job *clusterstate.Job, newTimeLimitMinutes int64) error

	// Allows reports whether accounting policy permits this job to
	// start now; a false return models the "AccountingPolicy" error
	// kind of spec.md §7 (skip the job, do not reserve).
	Allows(ctx context.Context, job *clusterstate.Job) (bool, error)
}

// JobLauncher is the external srun_allocate / launch_job / job-start
// persistence collaborator.
type JobLauncher interface {
	Launch(ctx context.Context, job *clusterstate.Job) error
	RecordStart(ctx context.Context, job *clusterstate.Job, timeLimitChanged bool) error
}

// AssocLookup resolves an account's association record for
// fair-share evaluation (the external assoc_mgr collaborator).
type AssocLookup interface {
	Lookup(ctx context.Context, account string) (*clusterstate.AccountAssoc, error)
}

// PartitionLookup resolves a partition by name; the core consults this
// for every job it considers, since JobQueueRec carries only the name.
type PartitionLookup interface {
	LookupPartition(ctx context.Context, name string) (*clusterstate.Partition, error)
}

// QoSLookup resolves a job's QoS record by name (used for preempt-mode
// and NO_RESERVE policy resolution, §4.B/§4.D.f).
type QoSLookup interface {
	LookupQoS(ctx context.Context, name string) (*clusterstate.QoS, error)
}

// RunningJobsProvider enumerates the running/suspended jobs a
// preemption selector pass may consider; the core never holds its own
// copy of the job table, so it asks for this snapshot fresh each time.
type RunningJobsProvider interface {
	RunningJobs(ctx context.Context) ([]*clusterstate.Job, error)
}
