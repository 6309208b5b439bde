package backfillcore

import (
	"container/heap"

	"github.com/khryptorgraphics/clusterbackfill/pkg/collab"
)

// jobQueue is a max-heap over JobQueueRec keyed by priority, mirroring
// the heap.Interface shape of OptimizedPriorityQueue: the external
// build_job_queue collaborator hands back an already priority-sorted
// slice, but the planner still walks it through a heap so ties and
// any re-priority mid-cycle (a job's priority changing between yields)
// resolve the same way a live heap would.
type jobQueue struct {
	items []collab.JobQueueRec
}

func newJobQueue(recs []collab.JobQueueRec) *jobQueue {
	q := &jobQueue{items: append([]collab.JobQueueRec(nil), recs...)}
	heap.Init(q)
	return q
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	if q.items[i].Priority != q.items[j].Priority {
		return q.items[i].Priority > q.items[j].Priority
	}
	return q.items[i].JobIDSnapshot < q.items[j].JobIDSnapshot
}

func (q *jobQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *jobQueue) Push(x any) { q.items = append(q.items, x.(collab.JobQueueRec)) }

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// popNext pops the highest-priority remaining record, or returns
// false when the queue is exhausted.
func (q *jobQueue) popNext() (collab.JobQueueRec, bool) {
	if q.Len() == 0 {
		return collab.JobQueueRec{}, false
	}
	return heap.Pop(q).(collab.JobQueueRec), true
}
