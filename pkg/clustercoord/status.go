package clustercoord

import "time"

// Status is the consensus-shaped replica status the admin API exposes,
// grounded on pkg/consensus/consensus.go's Status{State,Term,LeaderID}:
// here "leader" means "currently holds the Redis lock" (the Agent Loop
// runs cycles on leaders and followers alike), and Term is a
// monotonic count of how many times this replica has acquired the lock
// (Raft's notion of an election term, repurposed for a single
// lock-holder rather than a voted majority).
type Status struct {
	State       string    `json:"state"` // "leader" or "follower"
	Term        int64     `json:"term"`
	LeaderID    string    `json:"leader_id"`
	LastUpdate  time.Time `json:"last_update"`
	ActiveNodes int       `json:"active_nodes"`
}

// StatusReporter tracks acquisition history to answer GetStatus without
// hitting Redis on every admin-API poll.
type StatusReporter struct {
	lock      *Lock
	term      int64
	broadcast *Broadcaster
}

// NewStatusReporter wraps a Lock and (optional) Broadcaster for status reporting.
func NewStatusReporter(l *Lock, b *Broadcaster) *StatusReporter {
	return &StatusReporter{lock: l, broadcast: b}
}

// NoteAcquired increments the term counter; call after a successful TryAcquire.
func (r *StatusReporter) NoteAcquired() { r.term++ }

// GetStatus implements the shape consensus.Engine.GetStatus returns,
// adapted to single-lock-holder semantics instead of a voted quorum.
func (r *StatusReporter) GetStatus() Status {
	state := "follower"
	if r.lock.Held() {
		state = "leader"
	}
	activeNodes := 1
	if r.broadcast != nil {
		activeNodes = len(r.broadcast.host.Network().Peers()) + 1
	}
	return Status{
		State:       state,
		Term:        r.term,
		LeaderID:    r.lock.replicaID,
		LastUpdate:  time.Now(),
		ActiveNodes: activeNodes,
	}
}
