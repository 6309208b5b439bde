package backfillcore

import "golang.org/x/time/rate"

// rpcBudget models the "outstanding RPC count" pressure gauge spec.md
// §4.D's early-exit and §5's soft-deadline checks consult: defer_rpc_cnt
// bounds how much of the scheduler's time this cycle may take from
// unrelated cluster requests. Adapted from pkg/api/middleware.go's
// request-path rate.Limiter, repurposed here as a budget the planner
// itself draws down rather than a per-client inbound limiter.
type rpcBudget struct {
	limiter   *rate.Limiter
	threshold int
}

// newRPCBudget builds a budget that refills at `threshold` tokens per
// second up to `threshold` tokens; threshold <= 0 disables the check entirely
// (max_rpc_cnt == 0 means "disabled" per spec.md §6).
func newRPCBudget(threshold int) *rpcBudget {
	if threshold <= 0 {
		return &rpcBudget{threshold: 0}
	}
	return &rpcBudget{
		limiter:   rate.NewLimiter(rate.Limit(threshold), threshold),
		threshold: threshold,
	}
}

// exceeded reports whether outstanding RPC pressure has reached the
// configured threshold: modeled as the token bucket running dry.
func (b *rpcBudget) exceeded() bool {
	if b.threshold <= 0 {
		return false
	}
	return !b.limiter.Allow()
}
