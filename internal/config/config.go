// Package config loads clusterbackfill's configuration from a YAML
// file, with environment-variable overrides layered on top the way
// the teacher's config packages do.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	Backfill BackfillConfig `yaml:"backfill" json:"backfill"`
	JWT      JWTConfig      `yaml:"jwt" json:"jwt"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
	API      APIConfig      `yaml:"api" json:"api"`
	Cluster  ClusterConfig  `yaml:"cluster" json:"cluster"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
}

// BackfillConfig carries spec.md §6's scheduler-parameter tunables.
// Invalid values (<1 where the spec requires ≥1) are reset to their
// defaults by Validate, matching the ConfigInvalid error kind of §7.
type BackfillConfig struct {
	IntervalSeconds    int  `yaml:"bf_interval" json:"bf_interval"`
	WindowSeconds      int  `yaml:"bf_window" json:"bf_window"`
	ResolutionSeconds  int  `yaml:"bf_resolution" json:"bf_resolution"`
	MaxJobTest         int  `yaml:"bf_max_job_test" json:"bf_max_job_test"`
	MaxJobPart         int  `yaml:"bf_max_job_part" json:"bf_max_job_part"`
	MaxJobStart        int  `yaml:"bf_max_job_start" json:"bf_max_job_start"`
	MaxJobUser         int  `yaml:"bf_max_job_user" json:"bf_max_job_user"`
	Continue           bool `yaml:"bf_continue" json:"bf_continue"`
	MaxRPCCount        int  `yaml:"max_rpc_cnt" json:"max_rpc_cnt"`
	SchedTimeoutMillis int  `yaml:"sched_timeout_ms" json:"sched_timeout_ms"`
	YieldSleepMillis   int  `yaml:"yield_sleep_ms" json:"yield_sleep_ms"`
	FairShareEnabled   bool `yaml:"fair_share_enabled" json:"fair_share_enabled"`
}

// Interval returns bf_interval as a time.Duration.
func (b BackfillConfig) Interval() time.Duration { return time.Duration(b.IntervalSeconds) * time.Second }

// Window returns bf_window as a time.Duration.
func (b BackfillConfig) Window() time.Duration { return time.Duration(b.WindowSeconds) * time.Second }

// Resolution returns bf_resolution as a time.Duration.
func (b BackfillConfig) Resolution() time.Duration {
	return time.Duration(b.ResolutionSeconds) * time.Second
}

// SchedTimeout returns the per-cycle wall budget.
func (b BackfillConfig) SchedTimeout() time.Duration {
	return time.Duration(b.SchedTimeoutMillis) * time.Millisecond
}

// YieldSleep returns the lock-yield sleep duration.
func (b BackfillConfig) YieldSleep() time.Duration {
	return time.Duration(b.YieldSleepMillis) * time.Millisecond
}

// Validate resets any out-of-range tunable to its default, returning
// the names it had to fix (spec.md §7's ConfigInvalid: "bad tunable,
// reset and continue").
func (b *BackfillConfig) Validate() []string {
	var fixed []string
	def := defaultBackfillConfig()

	if b.IntervalSeconds < 1 {
		b.IntervalSeconds = def.IntervalSeconds
		fixed = append(fixed, "bf_interval")
	}
	if b.WindowSeconds < 1 {
		b.WindowSeconds = def.WindowSeconds
		fixed = append(fixed, "bf_window")
	}
	if b.ResolutionSeconds < 1 {
		b.ResolutionSeconds = def.ResolutionSeconds
		fixed = append(fixed, "bf_resolution")
	}
	if b.MaxJobTest < 1 {
		b.MaxJobTest = def.MaxJobTest
		fixed = append(fixed, "bf_max_job_test")
	}
	if b.MaxJobPart < 0 {
		b.MaxJobPart = def.MaxJobPart
		fixed = append(fixed, "bf_max_job_part")
	}
	if b.MaxJobStart < 0 {
		b.MaxJobStart = def.MaxJobStart
		fixed = append(fixed, "bf_max_job_start")
	}
	if b.MaxJobUser < 0 {
		b.MaxJobUser = def.MaxJobUser
		fixed = append(fixed, "bf_max_job_user")
	}
	if b.MaxRPCCount < 0 {
		b.MaxRPCCount = def.MaxRPCCount
		fixed = append(fixed, "max_rpc_cnt")
	}
	if b.SchedTimeoutMillis < 1 {
		b.SchedTimeoutMillis = def.SchedTimeoutMillis
		fixed = append(fixed, "sched_timeout_ms")
	}
	if b.YieldSleepMillis < 1 {
		b.YieldSleepMillis = def.YieldSleepMillis
		fixed = append(fixed, "yield_sleep_ms")
	}
	return fixed
}

// JWTConfig holds JWT issuance configuration for the admin API.
type JWTConfig struct {
	SecretKey   string        `yaml:"secret_key" json:"secret_key"`
	ExpiryTime  time.Duration `yaml:"expiry_time" json:"expiry_time"`
	RefreshTime time.Duration `yaml:"refresh_time" json:"refresh_time"`
	Issuer      string        `yaml:"issuer" json:"issuer"`
	Audience    string        `yaml:"audience" json:"audience"`
}

// AuthConfig holds admin-API authentication configuration.
type AuthConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Method       string        `yaml:"method" json:"method"`
	TokenExpiry  time.Duration `yaml:"token_expiry" json:"token_expiry"`
	SharedSecret string        `yaml:"shared_secret" json:"shared_secret"`
}

// APIConfig holds the admin/observability HTTP server configuration.
type APIConfig struct {
	Listen      string          `yaml:"listen" json:"listen"`
	TLSEnabled  bool            `yaml:"tls_enabled" json:"tls_enabled"`
	CertFile    string          `yaml:"cert_file" json:"cert_file"`
	KeyFile     string          `yaml:"key_file" json:"key_file"`
	MaxBodySize int64           `yaml:"max_body_size" json:"max_body_size"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Cors        CorsConfig      `yaml:"cors" json:"cors"`
}

// RateLimitConfig holds the admin API's token-bucket rate limit.
type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	RPS       int  `yaml:"rps" json:"rps"`
	Burst     int  `yaml:"burst" json:"burst"`
}

// CorsConfig holds CORS configuration for the admin API.
type CorsConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers" json:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials" json:"allow_credentials"`
	MaxAgeSeconds    int      `yaml:"max_age" json:"max_age"`
}

// ClusterConfig holds peer-coordination settings for multi-replica
// deployments: the key and TTL of pkg/clustercoord's distributed lock
// and the libp2p listen address. The lock is acquired and reported in
// status, but the agent loop runs cycles whether or not it is held.
type ClusterConfig struct {
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr"`
	BootstrapPeers []string      `yaml:"bootstrap_peers" json:"bootstrap_peers"`
	DialTimeout    time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	LockKey        string        `yaml:"lock_key" json:"lock_key"`
	LockTTL        time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// DatabaseConfig holds the diagnostics Postgres connection.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
}

// RedisConfig holds the distributed-lock Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

func defaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		IntervalSeconds:    getEnvIntOrDefault("BF_INTERVAL", 30),
		WindowSeconds:      getEnvIntOrDefault("BF_WINDOW", 86400),
		ResolutionSeconds:  getEnvIntOrDefault("BF_RESOLUTION", 60),
		MaxJobTest:         getEnvIntOrDefault("BF_MAX_JOB_TEST", 100),
		MaxJobPart:         getEnvIntOrDefault("BF_MAX_JOB_PART", 0),
		MaxJobStart:        getEnvIntOrDefault("BF_MAX_JOB_START", 0),
		MaxJobUser:         getEnvIntOrDefault("BF_MAX_JOB_USER", 0),
		Continue:           getEnvBoolOrDefault("BF_CONTINUE", false),
		MaxRPCCount:        getEnvIntOrDefault("MAX_RPC_CNT", 0),
		SchedTimeoutMillis: getEnvIntOrDefault("SCHED_TIMEOUT_MS", 2000),
		YieldSleepMillis:   getEnvIntOrDefault("YIELD_SLEEP_MS", 1000),
		FairShareEnabled:   getEnvBoolOrDefault("FAIR_SHARE_ENABLED", true),
	}
}

// DefaultConfig returns a configuration with every tunable at its
// spec-mandated default, overridable by environment variable.
func DefaultConfig() *Config {
	return &Config{
		Backfill: defaultBackfillConfig(),
		JWT: JWTConfig{
			SecretKey:   getEnvOrDefault("JWT_SECRET_KEY", "change-this-in-production"),
			ExpiryTime:  time.Hour,
			RefreshTime: 24 * time.Hour,
			Issuer:      "clusterbackfill",
			Audience:    "clusterbackfill-admin",
		},
		Auth: AuthConfig{
			Enabled:      getEnvBoolOrDefault("AUTH_ENABLED", true),
			Method:       getEnvOrDefault("AUTH_METHOD", "jwt"),
			TokenExpiry:  time.Hour,
			SharedSecret: getEnvOrDefault("AUTH_SHARED_SECRET", "change-this-in-production"),
		},
		API: APIConfig{
			Listen:      getEnvOrDefault("API_LISTEN", "0.0.0.0:8080"),
			TLSEnabled:  getEnvBoolOrDefault("API_TLS_ENABLED", false),
			CertFile:    getEnvOrDefault("API_CERT_FILE", ""),
			KeyFile:     getEnvOrDefault("API_KEY_FILE", ""),
			MaxBodySize: int64(getEnvIntOrDefault("API_MAX_BODY_SIZE", 1024*1024)),
			RateLimit: RateLimitConfig{
				Enabled: getEnvBoolOrDefault("RATE_LIMIT_ENABLED", true),
				RPS:     getEnvIntOrDefault("RATE_LIMIT_RPS", 20),
				Burst:   getEnvIntOrDefault("RATE_LIMIT_BURST", 40),
			},
			Cors: CorsConfig{
				Enabled:        getEnvBoolOrDefault("CORS_ENABLED", true),
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			},
		},
		Cluster: ClusterConfig{
			ListenAddr:     getEnvOrDefault("CLUSTER_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/0"),
			BootstrapPeers: []string{},
			DialTimeout:    10 * time.Second,
			LockKey:        getEnvOrDefault("CLUSTER_LOCK_KEY", "clusterbackfill:agent-lock"),
			LockTTL:        10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          getEnvOrDefault("DATABASE_DSN", "postgres://localhost:5432/clusterbackfill?sslmode=disable"),
			MaxOpenConns: getEnvIntOrDefault("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvIntOrDefault("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
		},
	}
}

// LoadConfig reads a YAML file at path, falling back to DefaultConfig
// when path is empty or the file does not exist, and always validates
// the backfill tunables afterward.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		cfg.Backfill.Validate()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Backfill.Validate()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.Backfill.Validate()
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
