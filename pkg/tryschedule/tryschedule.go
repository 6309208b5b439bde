// Package tryschedule implements the single-job what-if placement
// wrapper (spec.md §4.C): it queries the external node-selection
// collaborator with and without resource sharing, and neutralizes
// feature counts before testing feasibility.
package tryschedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
	"github.com/khryptorgraphics/clusterbackfill/pkg/collab"
)

// ErrNodesBusy is returned when the feature-count-neutralized
// feasibility probe fails outright: either the node filter rejects the
// bitmap, or fewer nodes are available than the highest feature count
// demands. The share-retry path also returns it when no attempt
// reports StatusOK without an error.
var ErrNodesBusy = errors.New("tryschedule: nodes busy")

// PreemptSource supplies the preemptee candidate list §4.B computes
// for a given preemptor; tryschedule passes it through to the node
// selector unmodified and never acts on it itself.
type PreemptSource interface {
	FindPreemptable(ctx context.Context, job *clusterstate.Job) ([]*clusterstate.Job, error)
}

// Adapter wraps a NodeSelector and NodeFeatureFilter with the
// neutralize/retry behavior spec.md §4.C describes.
type Adapter struct {
	Selector collab.NodeSelector
	Filter   collab.NodeFeatureFilter
	Preempt  PreemptSource

	log *slog.Logger
}

// New builds an Adapter. A nil logger falls back to slog.Default().
func New(selector collab.NodeSelector, filter collab.NodeFeatureFilter, preempt PreemptSource, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{Selector: selector, Filter: filter, Preempt: preempt, log: log}
}

// numFeatureCount counts feature-list entries with a non-zero count
// (backfill.c's _num_feature_count).
func numFeatureCount(job *clusterstate.Job) int {
	n := 0
	for _, f := range job.Details.FeatureList {
		if f.Count != 0 {
			n++
		}
	}
	return n
}

// TrySched is the single entry point: project whether (and when) job
// would start against avail, without actually allocating.
func (a *Adapter) TrySched(ctx context.Context, job *clusterstate.Job, avail *clusterstate.NodeBitmap,
	minNodes, maxNodes, reqNodes int, excCores *clusterstate.NodeBitmap, now time.Time) (*collab.TestResult, error) {

	if numFeatureCount(job) > 0 {
		return a.tryFeatureNeutralized(ctx, job, avail, maxNodes, reqNodes, excCores)
	}
	return a.tryShareRetry(ctx, job, avail, minNodes, maxNodes, reqNodes, excCores, now)
}

// tryFeatureNeutralized implements the "feature-count neutralization"
// path: zero every feature count, schedule once with the maximum
// observed count as the minimum node count, then restore the
// original counts on every exit path. spec.md §9 documents this as an
// admitted approximation to preserve, not a bug to fix.
func (a *Adapter) tryFeatureNeutralized(ctx context.Context, job *clusterstate.Job, avail *clusterstate.NodeBitmap,
	maxNodes, reqNodes int, excCores *clusterstate.NodeBitmap) (*collab.TestResult, error) {

	orig := make([]int, len(job.Details.FeatureList))
	highCnt := 0
	for i, f := range job.Details.FeatureList {
		orig[i] = f.Count
		if f.Count > highCnt {
			highCnt = f.Count
		}
		job.Details.FeatureList[i].Count = 0
	}
	defer func() {
		for i := range job.Details.FeatureList {
			job.Details.FeatureList[i].Count = orig[i]
		}
	}()

	filtered, err := a.Filter.Filter(ctx, job, avail)
	if err != nil {
		return nil, ErrNodesBusy
	}
	if filtered.Popcount() < highCnt {
		return nil, ErrNodesBusy
	}

	preemptees, err := a.Preempt.FindPreemptable(ctx, job)
	if err != nil {
		return nil, err
	}

	result, err := a.Selector.TestJob(ctx, job, filtered, highCnt, maxNodes, reqNodes,
		collab.WillRunTrue, preemptees, excCores)
	if err != nil {
		return nil, err
	}
	if result.Status != collab.StatusOK {
		return nil, ErrNodesBusy
	}
	return result, nil
}

// tryShareRetry implements the no-feature-count path: attempt first
// with sharing disabled against a throwaway copy of avail; if that
// fails, or it projects a future start while the job's own setting
// allowed sharing, retry against the original bitmap with the job's
// real share setting restored.
func (a *Adapter) tryShareRetry(ctx context.Context, job *clusterstate.Job, avail *clusterstate.NodeBitmap,
	minNodes, maxNodes, reqNodes int, excCores *clusterstate.NodeBitmap, now time.Time) (*collab.TestResult, error) {

	preemptees, err := a.Preempt.FindPreemptable(ctx, job)
	if err != nil {
		return nil, err
	}

	origShared := job.Details.ShareRes
	job.Details.ShareRes = false
	attemptBitmap := avail.Copy()

	result, err := a.Selector.TestJob(ctx, job, attemptBitmap, minNodes, maxNodes, reqNodes,
		collab.WillRunTrue, preemptees, excCores)

	job.Details.ShareRes = origShared

	failed := err != nil || result == nil || result.Status != collab.StatusOK
	projectsFuture := result != nil && result.StartTime.After(now)

	if (failed || projectsFuture) && origShared {
		result, err = a.Selector.TestJob(ctx, job, avail, minNodes, maxNodes, reqNodes,
			collab.WillRunTrue, preemptees, excCores)
		if err != nil {
			return nil, err
		}
	}

	if result == nil || result.Status != collab.StatusOK {
		if err != nil {
			return nil, err
		}
		return nil, ErrNodesBusy
	}
	return result, nil
}
