package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
	"github.com/khryptorgraphics/clusterbackfill/pkg/backfillcore"
	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
	"github.com/khryptorgraphics/clusterbackfill/pkg/collab"
	"github.com/khryptorgraphics/clusterbackfill/pkg/preempt"
	"github.com/khryptorgraphics/clusterbackfill/pkg/tryschedule"
)

func testCfg() config.BackfillConfig {
	return config.BackfillConfig{
		IntervalSeconds:    1,
		WindowSeconds:      3600,
		ResolutionSeconds:  60,
		MaxJobTest:         100,
		SchedTimeoutMillis: 2000,
		YieldSleepMillis:   1000,
	}
}

func newTestLoop(t *testing.T, now time.Time) (*Loop, *collab.FakeCluster) {
	t.Helper()
	cluster := collab.NewFakeCluster(now)
	part := &clusterstate.Partition{
		Name: "default", NodeBitmap: func() *clusterstate.NodeBitmap {
			b := clusterstate.NewNodeBitmap(4)
			for i := 0; i < 4; i++ {
				b.Set(i)
			}
			return b
		}(), MinNodes: 1, MaxNodes: 4, TotalNodes: 4, TotalCPUs: 400, SchedulingEnabled: true,
	}
	cluster.AddPartition(part)

	cfg := testCfg()
	sel := preempt.New(nil, false)
	adapter := tryschedule.New(cluster, cluster, nil, nil)
	planner := backfillcore.New(cluster, cluster, cluster, cluster, cluster, cluster, cluster, cluster,
		cluster, cluster, cluster, cluster, sel, adapter, cfg, nil)
	planner.Now = func() time.Time { return now }

	coord := NewCoordinator()
	gather := func(ctx context.Context) (*clusterstate.NodeBitmap, *clusterstate.NodeBitmap, backfillcore.Preconditions, error) {
		avail := part.NodeBitmap.Copy()
		completing := clusterstate.NewNodeBitmap(4)
		pre := backfillcore.Preconditions{AnyFrontEndAvailable: true, StateChangedSinceLast: true}
		return avail, completing, pre, nil
	}

	loop := New(planner, coord, gather, nil, cfg, nil)
	loop.sleeper = func(d time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- now
		return ch
	}
	return loop, cluster
}

func TestLoopRunsCycleAndRecordsDiagnostics(t *testing.T) {
	now := time.Unix(200000, 0)
	loop, cluster := newTestLoop(t, now)

	job := &clusterstate.Job{
		JobID: 1, Priority: 10, State: clusterstate.JobStatePending,
		PartitionName: "default", TimeLimit: 5, UserID: 1,
	}
	job.Details.MinNodes = 2
	job.Details.MaxNodes = 2
	job.Details.UserSetMaxNodes = true
	cluster.AddJob(job)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, loop.Start(ctx))

	require.Eventually(t, func() bool {
		return loop.Coord.Snapshot(loop.Config()).Stats.CycleCount > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, loop.Stop(context.Background()))

	snap := loop.Coord.Snapshot(loop.Config())
	assert.GreaterOrEqual(t, snap.Stats.BackfilledTotal, int64(1))
}

func TestStopAgentIsIdempotentAndStopsLoop(t *testing.T) {
	now := time.Unix(200000, 0)
	loop, _ := newTestLoop(t, now)

	ctx := context.Background()
	require.NoError(t, loop.Start(ctx))

	loop.Coord.StopAgent()
	loop.Coord.StopAgent() // idempotent, must not panic or block

	require.NoError(t, loop.Stop(context.Background()))
	assert.True(t, loop.Coord.StopRequested())
}

func TestReconfigNotifyReloadsConfigBeforeNextCycle(t *testing.T) {
	now := time.Unix(200000, 0)
	loop, _ := newTestLoop(t, now)

	reloaded := make(chan config.BackfillConfig, 1)
	loop.Reload = func() (config.BackfillConfig, error) {
		cfg := testCfg()
		cfg.MaxJobPart = 7
		reloaded <- cfg
		return cfg, nil
	}

	loop.Coord.ReconfigNotify()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loop.Start(ctx))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7, cfg.MaxJobPart)
	case <-time.After(2 * time.Second):
		t.Fatal("reload was never invoked")
	}

	require.NoError(t, loop.Stop(context.Background()))
}
