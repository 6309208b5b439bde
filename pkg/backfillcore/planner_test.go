package backfillcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
	"github.com/khryptorgraphics/clusterbackfill/pkg/collab"
	"github.com/khryptorgraphics/clusterbackfill/pkg/preempt"
	"github.com/khryptorgraphics/clusterbackfill/pkg/tryschedule"
)

func allNodes(size int) *clusterstate.NodeBitmap {
	b := clusterstate.NewNodeBitmap(size)
	for i := 0; i < size; i++ {
		b.Set(i)
	}
	return b
}

func testConfig() config.BackfillConfig {
	return config.BackfillConfig{
		IntervalSeconds:    30,
		WindowSeconds:      3600,
		ResolutionSeconds:  60,
		MaxJobTest:         100,
		SchedTimeoutMillis: 2000,
		YieldSleepMillis:   1000,
		FairShareEnabled:   false,
	}
}

func newTestPlanner(cluster *collab.FakeCluster, cfg config.BackfillConfig, now time.Time) *Planner {
	sel := preempt.New(nil, cfg.FairShareEnabled)
	adapter := tryschedule.New(cluster, cluster, nil, nil)
	p := New(cluster, cluster, cluster, cluster, cluster, cluster, cluster, cluster,
		cluster, cluster, cluster, cluster, sel, adapter, cfg, nil)
	p.Now = func() time.Time { return now }
	return p
}

func pendingJob(id int64, priority int64, minNodes, maxNodes int, timeLimit int64, part string, userID uint32) *clusterstate.Job {
	j := &clusterstate.Job{
		JobID:         id,
		Priority:      priority,
		State:         clusterstate.JobStatePending,
		PartitionName: part,
		TimeLimit:     timeLimit,
		UserID:        userID,
	}
	j.Details.MinNodes = minNodes
	j.Details.MaxNodes = maxNodes
	j.Details.UserSetMaxNodes = true
	return j
}

func TestRunCycleStartsFeasibleJobImmediately(t *testing.T) {
	now := time.Unix(100000, 0)
	cluster := collab.NewFakeCluster(now)
	part := &clusterstate.Partition{
		Name: "default", NodeBitmap: allNodes(8), MinNodes: 1, MaxNodes: 8,
		TotalNodes: 8, TotalCPUs: 800, SchedulingEnabled: true,
	}
	cluster.AddPartition(part)

	job := pendingJob(1, 10, 3, 3, 5, "default", 1)
	cluster.AddJob(job)

	p := newTestPlanner(cluster, testConfig(), now)
	pre := Preconditions{AnyFrontEndAvailable: true, StateChangedSinceLast: true}

	diag, err := p.RunCycle(context.Background(), allNodes(8), clusterstate.NewNodeBitmap(8), pre)
	require.NoError(t, err)
	assert.False(t, diag.Aborted)
	assert.Equal(t, 1, diag.Backfilled)
	assert.Equal(t, clusterstate.JobStateRunning, job.State)
}

func TestRunCycleDefersWhenTooManyNodesRequested(t *testing.T) {
	now := time.Unix(100000, 0)
	cluster := collab.NewFakeCluster(now)
	part := &clusterstate.Partition{
		Name: "default", NodeBitmap: allNodes(8), MinNodes: 1, MaxNodes: 8,
		TotalNodes: 8, TotalCPUs: 800, SchedulingEnabled: true,
	}
	cluster.AddPartition(part)

	job := pendingJob(1, 10, 20, 20, 5, "default", 1) // needs more nodes than exist
	cluster.AddJob(job)

	p := newTestPlanner(cluster, testConfig(), now)
	pre := Preconditions{AnyFrontEndAvailable: true, StateChangedSinceLast: true}

	diag, err := p.RunCycle(context.Background(), allNodes(8), clusterstate.NewNodeBitmap(8), pre)
	require.NoError(t, err)
	assert.Equal(t, 0, diag.Backfilled)
	assert.Equal(t, clusterstate.JobStatePending, job.State)
}

func TestRunCycleEarlyExitWhenIntervalNotElapsed(t *testing.T) {
	now := time.Unix(100000, 0)
	cluster := collab.NewFakeCluster(now)
	p := newTestPlanner(cluster, testConfig(), now)

	pre := Preconditions{
		LastCycleAt:          now.Add(-5 * time.Second),
		AnyFrontEndAvailable: true,
		StateChangedSinceLast: true,
	}
	diag, err := p.RunCycle(context.Background(), allNodes(4), clusterstate.NewNodeBitmap(4), pre)
	require.NoError(t, err)
	assert.True(t, diag.Aborted)
	assert.Equal(t, 0, diag.QueueLength)
}

func TestRunCycleEarlyExitWhenNoStateChange(t *testing.T) {
	now := time.Unix(100000, 0)
	cluster := collab.NewFakeCluster(now)
	p := newTestPlanner(cluster, testConfig(), now)

	pre := Preconditions{AnyFrontEndAvailable: true, StateChangedSinceLast: false}
	diag, err := p.RunCycle(context.Background(), allNodes(4), clusterstate.NewNodeBitmap(4), pre)
	require.NoError(t, err)
	assert.True(t, diag.Aborted)
}

// TestCapEnforcementMaxJobStart verifies spec.md invariant 7: jobs
// started in a cycle never exceed bf_max_job_start when non-zero.
func TestCapEnforcementMaxJobStart(t *testing.T) {
	now := time.Unix(100000, 0)
	cluster := collab.NewFakeCluster(now)
	part := &clusterstate.Partition{
		Name: "default", NodeBitmap: allNodes(8), MinNodes: 1, MaxNodes: 8,
		TotalNodes: 8, TotalCPUs: 800, SchedulingEnabled: true,
	}
	cluster.AddPartition(part)

	for i := int64(1); i <= 5; i++ {
		cluster.AddJob(pendingJob(i, 100-i, 1, 1, 5, "default", uint32(i)))
	}

	cfg := testConfig()
	cfg.MaxJobStart = 2
	p := newTestPlanner(cluster, cfg, now)
	pre := Preconditions{AnyFrontEndAvailable: true, StateChangedSinceLast: true}

	diag, err := p.RunCycle(context.Background(), allNodes(8), clusterstate.NewNodeBitmap(8), pre)
	require.NoError(t, err)
	assert.LessOrEqual(t, diag.Backfilled, 2)
}

// TestCapEnforcementMaxJobPart verifies spec.md invariant 7: jobs
// considered for a partition in a cycle never exceed bf_max_job_part
// when non-zero, even though every job here is otherwise feasible and
// would all start if the partition cap didn't intervene.
func TestCapEnforcementMaxJobPart(t *testing.T) {
	now := time.Unix(100000, 0)
	cluster := collab.NewFakeCluster(now)
	part := &clusterstate.Partition{
		Name: "default", NodeBitmap: allNodes(8), MinNodes: 1, MaxNodes: 8,
		TotalNodes: 8, TotalCPUs: 800, SchedulingEnabled: true,
	}
	cluster.AddPartition(part)

	for i := int64(1); i <= 5; i++ {
		cluster.AddJob(pendingJob(i, 100-i, 1, 1, 5, "default", uint32(i)))
	}

	cfg := testConfig()
	cfg.MaxJobPart = 2
	p := newTestPlanner(cluster, cfg, now)
	pre := Preconditions{AnyFrontEndAvailable: true, StateChangedSinceLast: true}

	diag, err := p.RunCycle(context.Background(), allNodes(8), clusterstate.NewNodeBitmap(8), pre)
	require.NoError(t, err)
	assert.LessOrEqual(t, diag.Backfilled, 2)
	assert.GreaterOrEqual(t, diag.Skipped, 3)
}

func TestResolveNodeCountsClampsToPartitionAndOverflowGuard(t *testing.T) {
	job := &clusterstate.Job{}
	job.Details.MinNodes = 2
	job.Details.MaxNodes = 0 // defer to partition
	part := &clusterstate.Partition{MinNodes: 1, MaxNodes: 10}

	min, max, req, feasible := resolveNodeCounts(job, part)
	assert.True(t, feasible)
	assert.Equal(t, 2, min)
	assert.Equal(t, 10, max)
	assert.Equal(t, 2, req) // UserSetMaxNodes false, MaxNodes==0 -> req=min

	part.MaxNodes = 1000000
	_, max, _, feasible = resolveNodeCounts(job, part)
	assert.True(t, feasible)
	assert.Equal(t, maxNodesOverflowGuard, max)
}

func TestResolveNodeCountsInfeasibleWhenMinExceedsMax(t *testing.T) {
	job := &clusterstate.Job{}
	job.Details.MinNodes = 20
	part := &clusterstate.Partition{MaxNodes: 8}

	_, _, _, feasible := resolveNodeCounts(job, part)
	assert.False(t, feasible)
}

func TestResolveTimeLimitIntersectsPartitionAndTimeMin(t *testing.T) {
	job := &clusterstate.Job{TimeLimit: 120, TimeMin: 30}
	part := &clusterstate.Partition{MaxTimeMinutes: 60}
	qos := &clusterstate.QoS{}

	got := resolveTimeLimit(job, part, qos, false)
	assert.Equal(t, int64(30), got, "time_min should lower the intersected limit further")
}

func TestResolveTimeLimitNoReserveForcesOneMinute(t *testing.T) {
	job := &clusterstate.Job{TimeLimit: 120}
	part := &clusterstate.Partition{MaxTimeMinutes: 60}
	qos := &clusterstate.QoS{NoReserve: true}

	got := resolveTimeLimit(job, part, qos, true)
	assert.Equal(t, int64(1), got)
}

// TestResolutionSnapping verifies spec.md invariant 4 and scenario S5:
// a projected start/end of [1235,1830) with bf_resolution=60 snaps to
// [1200,1860).
func TestResolutionSnapping(t *testing.T) {
	base := time.Unix(0, 0)
	step := 60 * time.Second

	start := base.Add(1235 * time.Second)
	end := base.Add(1830 * time.Second)

	snappedStart := snapDown(start, base, step)
	snappedEnd := snapUp(end, base, step)

	assert.Equal(t, base.Add(1200*time.Second), snappedStart)
	assert.Equal(t, base.Add(1860*time.Second), snappedEnd)
}

func TestSnapDownAndUpNoOpOnExactBoundary(t *testing.T) {
	base := time.Unix(0, 0)
	step := 60 * time.Second
	exact := base.Add(120 * time.Second)

	assert.Equal(t, exact, snapDown(exact, base, step))
	assert.Equal(t, exact, snapUp(exact, base, step))
}
