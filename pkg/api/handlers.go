package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
	"github.com/khryptorgraphics/clusterbackfill/pkg/preempt"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// handleLogin exchanges the operator's shared secret for a bearer
// token pair, the admin surface's only credential (spec.md has no
// notion of distinct user accounts, unlike pkg/auth/jwt.go's
// multi-user RBAC this is grounded on).
func (s *Server) handleLogin(c *gin.Context) {
	if !s.authCfg.Enabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication disabled"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if !s.secret.Verify(req.Secret) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "invalid shared secret",
			"code":  "AUTH_SECRET_INVALID",
		})
		return
	}

	pair, err := s.jwt.GenerateToken("operator")
	if err != nil {
		s.logger.Error("failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	pair, err := s.jwt.RefreshToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "invalid or expired refresh token",
			"code":  "AUTH_REFRESH_INVALID",
		})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// statusResponse bundles the agent coordinator's status (spec.md §6's
// exposed diagnostics) with the replica's cluster-coordination status.
type statusResponse struct {
	Agent   interface{} `json:"agent"`
	Cluster interface{} `json:"cluster,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	cfg := s.deps.Loop.Config()
	resp := statusResponse{Agent: s.deps.Coord.Snapshot(cfg)}
	if s.deps.ClusterStatus != nil {
		resp.Cluster = s.deps.ClusterStatus.GetStatus()
	}
	c.JSON(http.StatusOK, resp)
}

// handleReconfigure implements spec.md §6's ReconfigNotify operation.
func (s *Server) handleReconfigure(c *gin.Context) {
	s.deps.Coord.ReconfigNotify()
	c.JSON(http.StatusAccepted, gin.H{"status": "reconfiguration requested"})
}

// handleStop implements spec.md §6's StopAgent operation. Idempotent:
// calling it repeatedly is harmless, mirroring Coordinator.StopAgent.
func (s *Server) handleStop(c *gin.Context) {
	s.deps.Coord.StopAgent()
	c.JSON(http.StatusAccepted, gin.H{"status": "shutdown requested"})
}

type preemptCandidate struct {
	JobID    int64 `json:"job_id"`
	Priority int64 `json:"priority"`
	Overlap  int   `json:"overlap"`
}

// handlePreemptCandidates serves spec.md §6's FindPreemptable for a
// single job given by ?job_id=, returning the candidates sorted by
// PriorityLess. Preempt modes and the preemption-enabled state are
// not reported.
func (s *Server) handlePreemptCandidates(c *gin.Context) {
	jobIDStr := c.Query("job_id")
	jobID, err := strconv.ParseInt(jobIDStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be an integer"})
		return
	}

	ctx := c.Request.Context()

	job, err := s.deps.Jobs.JobByID(ctx, jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	part, err := s.deps.Partitions.LookupPartition(ctx, job.PartitionName)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "partition not found for job"})
		return
	}

	running, err := s.deps.Running.RunningJobs(ctx)
	if err != nil {
		s.logger.Error("failed to list running jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list running jobs"})
		return
	}

	partCache := make(map[string]*clusterstate.Partition)
	partitionOf := func(j *clusterstate.Job) *clusterstate.Partition {
		if p, ok := partCache[j.PartitionName]; ok {
			return p
		}
		p, err := s.deps.Partitions.LookupPartition(ctx, j.PartitionName)
		if err != nil {
			s.logger.Warn("failed to resolve partition for preempt candidate", "partition", j.PartitionName, "error", err)
			return nil
		}
		partCache[j.PartitionName] = p
		return p
	}

	candidates, err := s.deps.Preempt.FindPreemptable(ctx, job, part, running, partitionOf, s.deps.Assoc.Lookup)
	if err != nil {
		s.logger.Error("preempt candidate search failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "preempt candidate search failed"})
		return
	}

	now := s.deps.Coord.LastCycleAt()
	sort.Slice(candidates, func(i, j int) bool {
		return preempt.PriorityLess(candidates[i].Job, candidates[j].Job, now)
	})

	out := make([]preemptCandidate, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, preemptCandidate{JobID: cand.Job.JobID, Priority: cand.Job.Priority, Overlap: cand.Overlap})
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":     job.JobID,
		"candidates": out,
	})
}
