// Command backfill-agentd runs the cluster backfill agent: the
// spec.md §4.E agent loop, its §5 coordination object, the optional
// multi-replica lock/broadcast layer, an optional diagnostics database
// connection, and the admin/observability API. Grounded on cmd/ollama-distributed/main.go's
// cobra command-tree style, trimmed to start/status/reconfigure/stop —
// this daemon manages one thing, not a whole platform, so it carries
// none of that command's quickstart/setup/tutorial surface.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
	"github.com/khryptorgraphics/clusterbackfill/pkg/agent"
	apiserver "github.com/khryptorgraphics/clusterbackfill/pkg/api"
	"github.com/khryptorgraphics/clusterbackfill/pkg/backfillcore"
	"github.com/khryptorgraphics/clusterbackfill/pkg/clustercoord"
	"github.com/khryptorgraphics/clusterbackfill/pkg/clusterstate"
	"github.com/khryptorgraphics/clusterbackfill/pkg/collab"
	"github.com/khryptorgraphics/clusterbackfill/pkg/diagnostics"
	"github.com/khryptorgraphics/clusterbackfill/pkg/preempt"
	"github.com/khryptorgraphics/clusterbackfill/pkg/tryschedule"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "backfill-agentd",
		Short: "Cluster backfill scheduler agent",
		Long: `backfill-agentd runs the backfill planner's agent loop: it sleeps
up to bf_interval, checks for shutdown or reconfiguration requests,
then acquires the cluster lock set and runs one planner cycle.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")

	rootCmd.AddCommand(startCmd(&configFile))
	rootCmd.AddCommand(statusCmd(&configFile))
	rootCmd.AddCommand(reconfigureCmd(&configFile))
	rootCmd.AddCommand(stopCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func startCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the agent loop and admin API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(*configFile)
		},
	}
}

func statusCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the agent's current diagnostics and cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminGET(*configFile, "/api/v1/status")
		},
	}
}

func reconfigureCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconfigure",
		Short: "Request a configuration reload before the next cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminPOST(*configFile, "/api/v1/reconfigure")
		},
	}
}

func stopCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Request graceful shutdown of a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminPOST(*configFile, "/api/v1/stop")
		},
	}
}

// runStart wires every package this module owns into one running
// process: the agent loop atop an in-memory reference cluster (a real
// deployment supplies its own pkg/collab collaborators — node
// selection, reservations, licenses, and accounting are explicitly out
// of scope for this module), the optional Redis lock / libp2p
// broadcast for multi-replica deployments, and the admin API. When
// database.dsn is set it opens a diagnostics repository; no cycle is
// written to it from here. The agent loop is started whether or not
// this replica acquires the Redis lock.
func runStart(configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("backfill-agentd: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cluster := collab.NewFakeCluster(time.Now())
	sel := preempt.New(logger, cfg.Backfill.FairShareEnabled)
	adapter := tryschedule.New(cluster, cluster, nil, logger)
	planner := backfillcore.New(cluster, cluster, cluster, cluster, cluster, cluster, cluster, cluster,
		cluster, cluster, cluster, cluster, sel, adapter, cfg.Backfill, logger)

	coord := agent.NewCoordinator()
	gather := func(ctx context.Context) (*clusterstate.NodeBitmap, *clusterstate.NodeBitmap, backfillcore.Preconditions, error) {
		avail := clusterstate.NewNodeBitmap(1)
		completing := clusterstate.NewNodeBitmap(1)
		pre := backfillcore.Preconditions{AnyFrontEndAvailable: true, StateChangedSinceLast: true}
		return avail, completing, pre, nil
	}
	reload := func() (config.BackfillConfig, error) {
		reloaded, err := config.LoadConfig(configFile)
		if err != nil {
			return config.BackfillConfig{}, err
		}
		return reloaded.Backfill, nil
	}

	loop := agent.New(planner, coord, gather, reload, cfg.Backfill, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var clusterStatus *clustercoord.StatusReporter
	var lock *clustercoord.Lock
	if cfg.Cluster.LockKey != "" {
		lockCfg := clustercoord.LockConfig{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
			Key: cfg.Cluster.LockKey, TTL: cfg.Cluster.LockTTL,
		}
		lock = clustercoord.NewLock(lockCfg, "", logger)
		defer lock.Close()

		var broadcaster *clustercoord.Broadcaster
		host, err := libp2p.New(libp2p.ListenAddrStrings(cfg.Cluster.ListenAddr))
		if err != nil {
			logger.Warn("failed to start cluster broadcast transport, running without peer coordination", "error", err)
		} else {
			defer host.Close()
			broadcaster = clustercoord.NewBroadcaster(host,
				func(clustercoord.ControlMessage) { coord.StopAgent() },
				func(clustercoord.ControlMessage) { coord.ReconfigNotify() },
				logger)
		}
		clusterStatus = clustercoord.NewStatusReporter(lock, broadcaster)

		if ok, err := lock.TryAcquire(ctx); err != nil {
			logger.Warn("failed initial lock acquisition attempt", "error", err)
		} else if ok {
			clusterStatus.NoteAcquired()
			lock.StartRenewing(ctx)
		} else {
			logger.Info("another replica holds the agent lock")
		}
	}

	var diagRepo *diagnostics.Repository
	if cfg.Database.DSN != "" {
		diagCfg := diagnostics.DefaultConfig()
		diagCfg.DSN = cfg.Database.DSN
		diagCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		diagCfg.MaxIdleConns = cfg.Database.MaxIdleConns
		diagRepo, err = diagnostics.NewRepository(diagCfg, logger)
		if err != nil {
			logger.Warn("diagnostics persistence unavailable, continuing without it", "error", err)
			diagRepo = nil
		} else {
			defer diagRepo.Close()
		}
	}

	deps := apiserver.Dependencies{
		Coord:         coord,
		Loop:          loop,
		ClusterStatus: clusterStatus,
		Preempt:       sel,
		Running:       cluster,
		Partitions:    cluster,
		Assoc:         cluster,
		Jobs:          cluster,
	}
	server, err := apiserver.NewServer(cfg.API, cfg.Auth, cfg.JWT, deps, logger)
	if err != nil {
		return fmt.Errorf("backfill-agentd: %w", err)
	}
	server.Start()

	if err := loop.Start(ctx); err != nil {
		return fmt.Errorf("backfill-agentd: start agent loop: %w", err)
	}
	logger.Info("backfill-agentd started", "listen", cfg.API.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := loop.Stop(stopCtx); err != nil {
		logger.Error("agent loop did not stop cleanly", "error", err)
	}
	if err := server.Stop(stopCtx); err != nil {
		logger.Error("admin api did not stop cleanly", "error", err)
	}
	if lock != nil && lock.Held() {
		_ = lock.Release(stopCtx)
	}
	return nil
}

// adminBaseURL derives a client-reachable base URL from the listen
// address configured for the server side of the same config file.
func adminBaseURL(cfg *config.Config) string {
	addr := cfg.API.Listen
	addr = strings.Replace(addr, "0.0.0.0", "127.0.0.1", 1)
	scheme := "http"
	if cfg.API.TLSEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, addr)
}

// adminToken logs in with the configured shared secret and returns a
// bearer token, or "" if authentication is disabled.
func adminToken(cfg *config.Config, baseURL string) (string, error) {
	if !cfg.Auth.Enabled {
		return "", nil
	}
	body, _ := json.Marshal(map[string]string{"secret": cfg.Auth.SharedSecret})
	resp, err := http.Post(baseURL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("backfill-agentd: login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("backfill-agentd: login failed with status %d", resp.StatusCode)
	}
	var pair struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return "", fmt.Errorf("backfill-agentd: decode login response: %w", err)
	}
	return pair.AccessToken, nil
}

func runAdminGET(configFile, path string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("backfill-agentd: %w", err)
	}
	baseURL := adminBaseURL(cfg)
	token, err := adminToken(cfg, baseURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("backfill-agentd: request failed: %w", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return err
	}
	fmt.Println(out.String())
	return nil
}

func runAdminPOST(configFile, path string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("backfill-agentd: %w", err)
	}
	baseURL := adminBaseURL(cfg)
	token, err := adminToken(cfg, baseURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("backfill-agentd: request failed: %w", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return err
	}
	fmt.Println(out.String())
	return nil
}
