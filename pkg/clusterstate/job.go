package clusterstate

import "time"

// JobState mirrors the subset of job lifecycle states the planner and
// selector need to reason about. Named the way pkg/types/common.go
// names its NodeStatus constants: a string-typed enum, not an iota.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateRunning    JobState = "running"
	JobStateSuspended  JobState = "suspended"
	JobStateCompleting JobState = "completing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// PreemptMode controls how a QoS or cluster-wide policy displaces jobs.
type PreemptMode int

const (
	PreemptModeOff PreemptMode = iota
	PreemptModeCancel
	PreemptModeRequeue
	PreemptModeSuspend
	PreemptModeGang // cleared by cluster-wide resolution, per spec.md 4.B
)

// JobDetails holds the subset of a job's resource request the planner
// consults. It mirrors spec.md's `details.{...}` field group.
type JobDetails struct {
	MinNodes        int
	MaxNodes        int
	UserSetMaxNodes bool // true iff MaxNodes was supplied explicitly, not defaulted
	ReqNodeBitmap   *NodeBitmap
	ExcNodeBitmap   *NodeBitmap
	FeatureList     []FeatureCount
	ShareRes        bool
	ExpandingJobID  int64
	PrologRunning   bool
}

// FeatureCount is one entry of a job's constraint feature list, with
// an optional node count (spec.md 4.C "feature-count neutralization").
type FeatureCount struct {
	Name  string
	Count int
}

// Job is the core's borrowed reference to an external job record.
// Magic + JobID together form the generation token spec.md 3/9
// requires: any reference held across a lock yield must be
// revalidated against both before it is trusted again.
type Job struct {
	JobID   int64
	Magic   uint64
	Priority int64

	State JobState

	TimeLimit  int64 // minutes; may be adjusted by the planner for NO_RESERVE/time_min handling
	TimeMin    int64 // minutes
	StartTime  time.Time
	EndTime    time.Time
	PreSusTime time.Duration
	SuspendTime time.Time // zero value means "never suspended"

	TotalCPUs int64 // 0 means "derive from partition + node count"

	Details JobDetails

	PartitionName string
	QoSName       string
	AssocAcct     string

	ArrayJobID  int64
	ArrayTaskID int64

	UserID uint32

	NodeBitmap *NodeBitmap
	BatchFlag  bool

	PreemptInProgress bool
}

// Runtime computes the job's runtime per spec.md 4.B: zero if
// pending, PreSusTime if suspended, else the elapsed wall time from
// StartTime to EndTime (or to now if still running), corrected by
// PreSusTime whenever SuspendTime is set.
func (j *Job) Runtime(now time.Time) time.Duration {
	switch j.State {
	case JobStatePending:
		return 0
	case JobStateSuspended:
		return j.PreSusTime
	default:
		end := j.EndTime
		if j.State == JobStateRunning || end.IsZero() {
			end = now
		}
		runtime := end.Sub(j.StartTime)
		if !j.SuspendTime.IsZero() {
			runtime -= j.PreSusTime
		}
		if runtime < 0 {
			runtime = 0
		}
		return runtime
	}
}

// IsPending reports whether the job is still waiting to be scheduled.
func (j *Job) IsPending() bool { return j.State == JobStatePending }

// IsRunningOrSuspended reports whether the job currently holds resources.
func (j *Job) IsRunningOrSuspended() bool {
	return j.State == JobStateRunning || j.State == JobStateSuspended
}
