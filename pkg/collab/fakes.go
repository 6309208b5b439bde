package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
)

// FakeCluster is an in-memory stand-in for all of the §6 external
// collaborators, used by tests and examples. It is not a production
// scheduler's node-selection engine — it implements just enough
// feasibility logic (bitmap intersection + count checks) to drive the
// planner and selector through realistic cycles. Named the way
// pkg/p2p/node.go pairs the Node interface with BasicNode: one
// concrete struct backing several small interfaces.
type FakeCluster struct {
	mu sync.Mutex

	Jobs       map[int64]*clusterstate.Job
	Partitions map[string]*clusterstate.Partition
	Assocs     map[string]*clusterstate.AccountAssoc
	QoSes      map[string]*clusterstate.QoS

	Now func() time.Time

	// ResvEnd, if set, is returned by FindResvEnd.
	ResvEnd time.Time

	started map[int64]bool
}

// NewFakeCluster creates an empty fake cluster with a fixed clock.
func NewFakeCluster(now time.Time) *FakeCluster {
	return &FakeCluster{
		Jobs:       make(map[int64]*clusterstate.Job),
		Partitions: make(map[string]*clusterstate.Partition),
		Assocs:     make(map[string]*clusterstate.AccountAssoc),
		QoSes:      make(map[string]*clusterstate.QoS),
		Now:        func() time.Time { return now },
		started:    make(map[int64]bool),
	}
}

// AddQoS registers a QoS record.
func (f *FakeCluster) AddQoS(q *clusterstate.QoS) { f.QoSes[q.Name] = q }

// LookupPartition implements PartitionLookup.
func (f *FakeCluster) LookupPartition(ctx context.Context, name string) (*clusterstate.Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.Partitions[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("collab: unknown partition %q", name)
}

// RunningJobs implements RunningJobsProvider.
func (f *FakeCluster) RunningJobs(ctx context.Context) ([]*clusterstate.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*clusterstate.Job
	for _, j := range f.Jobs {
		if j.IsRunningOrSuspended() {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out, nil
}

// LookupQoS implements QoSLookup. An unregistered (empty) QoS name
// resolves to a zero-value QoS rather than an error, since most jobs
// have none.
func (f *FakeCluster) LookupQoS(ctx context.Context, name string) (*clusterstate.QoS, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		return &clusterstate.QoS{}, nil
	}
	if q, ok := f.QoSes[name]; ok {
		return q, nil
	}
	return &clusterstate.QoS{Name: name}, nil
}

// AddJob registers a job and assigns it a synthetic ID if unset.
func (f *FakeCluster) AddJob(j *clusterstate.Job) *clusterstate.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.JobID == 0 {
		j.JobID = int64(uuid.New().ID())
	}
	f.Jobs[j.JobID] = j
	return j
}

// AddPartition registers a partition.
func (f *FakeCluster) AddPartition(p *clusterstate.Partition) { f.Partitions[p.Name] = p }

// AddAssoc registers an account association.
func (f *FakeCluster) AddAssoc(a *clusterstate.AccountAssoc) { f.Assocs[a.Account] = a }

// BuildJobQueue implements JobQueueBuilder: returns pending (and,
// optionally, suspended/running) jobs sorted by priority descending —
// the priority plugin's job is out of scope, so this stands in for an
// already-sorted queue.
func (f *FakeCluster) BuildJobQueue(ctx context.Context, includePending, includeSuspended bool) ([]JobQueueRec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var recs []JobQueueRec
	for _, j := range f.Jobs {
		switch {
		case j.IsPending() && includePending:
		case j.State == clusterstate.JobStateSuspended && includeSuspended:
		case j.State == clusterstate.JobStateRunning && includeSuspended:
		default:
			continue
		}
		recs = append(recs, JobQueueRec{
			Job:           j,
			PartitionName: j.PartitionName,
			Priority:      j.Priority,
			JobIDSnapshot: j.JobID,
		})
	}
	sort.Slice(recs, func(i, k int) bool {
		if recs[i].Priority != recs[k].Priority {
			return recs[i].Priority > recs[k].Priority
		}
		return recs[i].Job.JobID < recs[k].Job.JobID
	})
	return recs, nil
}

// TestJob implements NodeSelector.TestJob with a simple "does avail
// contain enough nodes" feasibility check; no real topology fitting.
func (f *FakeCluster) TestJob(ctx context.Context, job *clusterstate.Job, avail *clusterstate.NodeBitmap,
	minNodes, maxNodes, reqNodes int, willRun WillRun,
	preempteeCandidates []*clusterstate.Job, excCores *clusterstate.NodeBitmap) (*TestResult, error) {

	have := avail.Popcount()
	if have < minNodes {
		return &TestResult{Status: StatusNodesBusy}, nil
	}
	selected := avail.Copy()
	// Keep at most reqNodes bits set, dropping extras so downstream
	// reservation math reflects what the job would actually consume.
	toDrop := have - reqNodes
	if toDrop > 0 {
		for i := 0; i < selected.Size() && toDrop > 0; i++ {
			if selected.IsSet(i) {
				selected.Clear(i)
				toDrop--
			}
		}
	}

	now := f.Now()
	if !bool(willRun) {
		job.State = clusterstate.JobStateRunning
		job.StartTime = now
		f.mu.Lock()
		f.started[job.JobID] = true
		f.mu.Unlock()
	}

	return &TestResult{
		Status:        StatusOK,
		StartTime:     now,
		SelectedNodes: selected,
	}, nil
}

// StartJob marks a job started at the current fake time.
func (f *FakeCluster) StartJob(ctx context.Context, job *clusterstate.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.State = clusterstate.JobStateRunning
	job.StartTime = f.Now()
	f.started[job.JobID] = true
	return nil
}

// JobTestResv implements ReservationSystem.JobTestResv with no
// administrator reservations: the earliest start is always the
// requested startRes.
func (f *FakeCluster) JobTestResv(ctx context.Context, job *clusterstate.Job, startRes time.Time, backfill bool) (*ReservationProbe, error) {
	return &ReservationProbe{StartRes: startRes}, nil
}

// FindResvEnd implements ReservationSystem.FindResvEnd.
func (f *FakeCluster) FindResvEnd(ctx context.Context, t time.Time) (time.Time, error) {
	if f.ResvEnd.After(t) {
		return f.ResvEnd, nil
	}
	return time.Time{}, nil
}

// NotifyTimeLimitChange implements ReservationSystem.NotifyTimeLimitChange.
func (f *FakeCluster) NotifyTimeLimitChange(ctx context.Context, job *clusterstate.Job, newTimeLimitMinutes int64) error {
	return nil
}

// JobTest implements LicenseManager.JobTest: licences are never scarce.
func (f *FakeCluster) JobTest(ctx context.Context, job *clusterstate.Job) (bool, error) {
	return true, nil
}

// Available implements FrontEndAvailability.Available.
func (f *FakeCluster) Available(ctx context.Context, job *clusterstate.Job) bool { return true }

// Independent implements JobIndependence.Independent.
func (f *FakeCluster) Independent(ctx context.Context, job *clusterstate.Job) bool { return true }

// Filter implements NodeFeatureFilter.Filter: a no-op passthrough,
// since this module does not model actual node features.
func (f *FakeCluster) Filter(ctx context.Context, job *clusterstate.Job, candidates *clusterstate.NodeBitmap) (*clusterstate.NodeBitmap, error) {
	return candidates, nil
}

// AlterJobTimeLimit implements AccountingPolicy.AlterJobTimeLimit.
func (f *FakeCluster) AlterJobTimeLimit(ctx context.Context, job *clusterstate.Job, newTimeLimitMinutes int64) error {
	return nil
}

// Allows implements AccountingPolicy.Allows: always permits by default.
func (f *FakeCluster) Allows(ctx context.Context, job *clusterstate.Job) (bool, error) {
	return true, nil
}

// Launch implements JobLauncher.Launch.
func (f *FakeCluster) Launch(ctx context.Context, job *clusterstate.Job) error { return nil }

// RecordStart implements JobLauncher.RecordStart.
func (f *FakeCluster) RecordStart(ctx context.Context, job *clusterstate.Job, timeLimitChanged bool) error {
	return nil
}

// Lookup implements AssocLookup.Lookup.
func (f *FakeCluster) Lookup(ctx context.Context, account string) (*clusterstate.AccountAssoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.Assocs[account]; ok {
		return a, nil
	}
	return &clusterstate.AccountAssoc{Account: account, SharesNorm: 1}, nil
}

// JobByID implements pkg/api's JobLookup, resolving a job by ID out of
// the same table AddJob populates.
func (f *FakeCluster) JobByID(ctx context.Context, id int64) (*clusterstate.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.Jobs[id]; ok {
		return j, nil
	}
	return nil, fmt.Errorf("job %d not found", id)
}
