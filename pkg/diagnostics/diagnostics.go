// Package diagnostics persists per-cycle backfill statistics (spec.md
// §6's "Diagnostics persisted per cycle") to Postgres, and lets the
// admin API read back recent cycle history. It never persists the
// NodeSpaceMap itself — consistent with spec.md's non-goal of
// cross-restart scheduling-state persistence.
package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/khryptorgraphics/clusterbackfill/pkg/backfillcore"
)

// Config configures the Postgres connection a Repository uses. DSN, if
// set, is used as-is (the form internal/config.DatabaseConfig stores
// it in); otherwise a DSN is assembled from the discrete fields below.
type Config struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Name            string        `yaml:"name" json:"name"`
	User            string        `yaml:"user" json:"user"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultConfig fills in the same pool defaults pkg/database/manager.go uses.
func DefaultConfig() Config {
	return Config{
		SSLMode:         "prefer",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// CycleRecord is one persisted row: a cycle's diagnostics, including
// the time the cycle started.
type CycleRecord struct {
	ID          int64         `db:"id" json:"id"`
	StartedAt   time.Time     `db:"started_at" json:"started_at"`
	WallTimeMS  int64         `db:"wall_time_ms" json:"wall_time_ms"`
	QueueLength int           `db:"queue_length" json:"queue_length"`
	DepthTested int           `db:"depth_tested" json:"depth_tested"`
	DepthTried  int           `db:"depth_tried" json:"depth_tried"`
	Backfilled  int           `db:"backfilled" json:"backfilled"`
	Reserved    int           `db:"reserved" json:"reserved"`
	Deferred    int           `db:"deferred" json:"deferred"`
	Skipped     int           `db:"skipped" json:"skipped"`
	Aborted     bool          `db:"aborted" json:"aborted"`
	AbortReason string        `db:"abort_reason" json:"abort_reason"`
}

// Repository persists CycleDiagnostics to Postgres via sqlx, grounded
// on pkg/database/manager.go's DatabaseManager/ModelRepository wiring
// (connection-pool defaults, fmt.Errorf-wrapped errors, slog logging).
type Repository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewRepository opens a Postgres connection pool and verifies it with
// a ping, the same sequence DatabaseManager.initializePostgreSQL uses.
func NewRepository(cfg Config, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxOpenConns == 0 {
		def := DefaultConfig()
		cfg.MaxOpenConns = def.MaxOpenConns
		cfg.MaxIdleConns = def.MaxIdleConns
		cfg.ConnMaxLifetime = def.ConnMaxLifetime
		if cfg.SSLMode == "" {
			cfg.SSLMode = def.SSLMode
		}
	}

	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("diagnostics: ping postgres: %w", err)
	}

	return &Repository{db: db, logger: logger}, nil
}

// Schema is the table this repository reads and writes; callers run it
// via their own migration tool rather than have Repository run DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS backfill_cycle_diagnostics (
	id             BIGSERIAL PRIMARY KEY,
	started_at     TIMESTAMPTZ NOT NULL,
	wall_time_ms   BIGINT NOT NULL,
	queue_length   INT NOT NULL,
	depth_tested   INT NOT NULL,
	depth_tried    INT NOT NULL,
	backfilled     INT NOT NULL,
	reserved       INT NOT NULL,
	deferred       INT NOT NULL,
	skipped        INT NOT NULL,
	aborted        BOOLEAN NOT NULL,
	abort_reason   TEXT NOT NULL DEFAULT ''
)`

// RecordCycle persists one cycle's diagnostics.
func (r *Repository) RecordCycle(ctx context.Context, diag *backfillcore.CycleDiagnostics) error {
	const query = `
		INSERT INTO backfill_cycle_diagnostics
			(started_at, wall_time_ms, queue_length, depth_tested, depth_tried,
			 backfilled, reserved, deferred, skipped, aborted, abort_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		diag.StartedAt, diag.WallTime.Milliseconds(), diag.QueueLength, diag.DepthTested,
		diag.DepthTried, diag.Backfilled, diag.Reserved, diag.Deferred, diag.Skipped,
		diag.Aborted, diag.AbortReason)
	if err != nil {
		return fmt.Errorf("diagnostics: record cycle: %w", err)
	}
	return nil
}

// Recent returns the most recent cycle records, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, started_at, wall_time_ms, queue_length, depth_tested, depth_tried,
		       backfilled, reserved, deferred, skipped, aborted, abort_reason
		FROM backfill_cycle_diagnostics
		ORDER BY started_at DESC
		LIMIT $1`

	var recs []CycleRecord
	if err := r.db.SelectContext(ctx, &recs, query, limit); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("diagnostics: list recent cycles: %w", err)
	}
	return recs, nil
}

// Totals aggregates cumulative counters across every persisted cycle,
// the same figures spec.md §6 calls out (cycle count, cumulative wall
// time, backfilled-jobs counter) but durable across restarts.
type Totals struct {
	CycleCount      int64 `db:"cycle_count" json:"cycle_count"`
	TotalWallTimeMS int64 `db:"total_wall_time_ms" json:"total_wall_time_ms"`
	MaxWallTimeMS   int64 `db:"max_wall_time_ms" json:"max_wall_time_ms"`
	BackfilledTotal int64 `db:"backfilled_total" json:"backfilled_total"`
}

// Totals computes cumulative diagnostics across all persisted cycles.
func (r *Repository) Totals(ctx context.Context) (Totals, error) {
	const query = `
		SELECT
			COUNT(*)                           AS cycle_count,
			COALESCE(SUM(wall_time_ms), 0)      AS total_wall_time_ms,
			COALESCE(MAX(wall_time_ms), 0)      AS max_wall_time_ms,
			COALESCE(SUM(backfilled), 0)        AS backfilled_total
		FROM backfill_cycle_diagnostics`

	var t Totals
	if err := r.db.GetContext(ctx, &t, query); err != nil {
		return Totals{}, fmt.Errorf("diagnostics: totals: %w", err)
	}
	return t, nil
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}
