package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
	"github.com/khryptorgraphics/clusterbackfill/pkg/agent"
	"github.com/khryptorgraphics/clusterbackfill/pkg/backfillcore"
	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
	"github.com/khryptorgraphics/clusterbackfill/pkg/collab"
	"github.com/khryptorgraphics/clusterbackfill/pkg/preempt"
	"github.com/khryptorgraphics/clusterbackfill/pkg/tryschedule"
)

func testAPIConfig() (config.APIConfig, config.AuthConfig, config.JWTConfig) {
	api := config.APIConfig{
		Listen:      "127.0.0.1:0",
		MaxBodySize: 1 << 20,
		RateLimit:   config.RateLimitConfig{Enabled: false},
		Cors:        config.CorsConfig{Enabled: false},
	}
	auth := config.AuthConfig{Enabled: true, SharedSecret: "test-shared-secret"}
	jwt := config.JWTConfig{
		SecretKey: "test-jwt-secret", ExpiryTime: time.Minute, RefreshTime: time.Hour,
		Issuer: "clusterbackfill-test", Audience: "clusterbackfill-test-admin",
	}
	return api, auth, jwt
}

func newTestServer(t *testing.T, now time.Time) (*Server, *collab.FakeCluster) {
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

	cfg := config.BackfillConfig{
		IntervalSeconds: 30, WindowSeconds: 3600, ResolutionSeconds: 60,
		MaxJobTest: 100, SchedTimeoutMillis: 2000, YieldSleepMillis: 1000,
	}
	sel := preempt.New(nil, false)
	adapter := tryschedule.New(cluster, cluster, nil, nil)
	planner := backfillcore.New(cluster, cluster, cluster, cluster, cluster, cluster, cluster, cluster,
		cluster, cluster, cluster, cluster, sel, adapter, cfg, nil)
	planner.Now = func() time.Time { return now }

	coord := agent.NewCoordinator()
	loop := agent.New(planner, coord, nil, nil, cfg, nil)

	apiCfg, authCfg, jwtCfg := testAPIConfig()
	deps := Dependencies{
		Coord:      coord,
		Loop:       loop,
		Preempt:    sel,
		Running:    cluster,
		Partitions: cluster,
		Assoc:      cluster,
		Jobs:       cluster,
	}

	srv, err := NewServer(apiCfg, authCfg, jwtCfg, deps, nil)
	require.NoError(t, err)
	return srv, cluster
}

func TestHealthEndpointIsPublic(t *testing.T) {
	srv, _ := newTestServer(t, time.Unix(1000, 0))
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, time.Unix(1000, 0))
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginThenStatusSucceeds(t *testing.T) {
	srv, _ := newTestServer(t, time.Unix(1000, 0))
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	body, _ := json.Marshal(loginRequest{Secret: "test-shared-secret"})
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pair struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pair))
	require.NotEmpty(t, pair.AccessToken)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	statusResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)
}

func TestLoginRejectsWrongSecret(t *testing.T) {
	srv, _ := newTestServer(t, time.Unix(1000, 0))
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	body, _ := json.Marshal(loginRequest{Secret: "wrong"})
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPreemptCandidatesEndpoint(t *testing.T) {
	now := time.Unix(200000, 0)
	srv, cluster := newTestServer(t, now)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	running := &clusterstate.Job{
		JobID: 2, Priority: 1, State: clusterstate.JobStateRunning,
		PartitionName: "default",
		NodeBitmap: func() *clusterstate.NodeBitmap {
			b := clusterstate.NewNodeBitmap(4)
			b.Set(0)
			return b
		}(),
	}
	cluster.AddJob(running)

	preemptor := &clusterstate.Job{
		JobID: 1, Priority: 100, State: clusterstate.JobStatePending,
		PartitionName: "default",
	}
	cluster.AddJob(preemptor)

	body, _ := json.Marshal(loginRequest{Secret: "test-shared-secret"})
	loginResp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer loginResp.Body.Close()
	var pair struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(loginResp.Body).Decode(&pair))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/preempt/candidates?job_id=1", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Candidates []preemptCandidate `json:"candidates"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, int64(2), out.Candidates[0].JobID)
}
