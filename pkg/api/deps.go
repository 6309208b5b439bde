package api

import (
	"context"

	"github.com/khryptorgraphics/clusterbackfill/pkg/agent"
	"github.com/khryptorgraphics/clusterbackfill/pkg/clustercoord"
	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
	"github.com/khryptorgraphics/clusterbackfill/pkg/collab"
	"github.com/khryptorgraphics/clusterbackfill/pkg/preempt"
)

// JobLookup resolves a job by ID for the /preempt/candidates endpoint.
// Kept as its own narrow interface rather than reusing
// collab.RunningJobsProvider, the same way pkg/preempt keeps
// AssocResolver separate from pkg/collab.AssocLookup: the admin
// surface asks for one job by ID, not a whole-table scan.
type JobLookup interface {
	JobByID(ctx context.Context, id int64) (*clusterstate.Job, error)
}

// Dependencies wires the admin API to the rest of the module. Every
// field is a narrow collaborator interface or a concrete coordination
// object this module already owns — the API package adds no new
// scheduling logic of its own, only read/write access to it.
type Dependencies struct {
	Coord         *agent.Coordinator
	Loop          *agent.Loop
	ClusterStatus *clustercoord.StatusReporter
	Preempt       *preempt.Selector

	Running    collab.RunningJobsProvider
	Partitions collab.PartitionLookup
	Assoc      collab.AssocLookup
	Jobs       JobLookup
}
