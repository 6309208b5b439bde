package diagnostics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/clusterbackfill/pkg/backfillcore"
)

func TestDefaultConfigPoolSettings(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxOpenConns != 25 || cfg.MaxIdleConns != 5 {
		t.Fatalf("unexpected pool defaults: %+v", cfg)
	}
}

// TestRepositoryRecordAndRecent exercises the repository against a live
// Postgres instance addressed by the CLUSTERBACKFILL_TEST_PG_* env vars;
// skipped otherwise, mirroring the corpus's own pattern for
// infrastructure-dependent tests.
func TestRepositoryRecordAndRecent(t *testing.T) {
	host := os.Getenv("CLUSTERBACKFILL_TEST_PG_HOST")
	if host == "" {
		t.Skip("CLUSTERBACKFILL_TEST_PG_HOST not set; skipping live-Postgres test")
	}

	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Name = os.Getenv("CLUSTERBACKFILL_TEST_PG_NAME")
	cfg.User = os.Getenv("CLUSTERBACKFILL_TEST_PG_USER")
	cfg.Password = os.Getenv("CLUSTERBACKFILL_TEST_PG_PASSWORD")

	repo, err := NewRepository(cfg, nil)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	_, err = repo.db.ExecContext(ctx, Schema)
	require.NoError(t, err)

	diag := &backfillcore.CycleDiagnostics{
		StartedAt:   time.Now(),
		WallTime:    250 * time.Millisecond,
		QueueLength: 10,
		DepthTested: 8,
		DepthTried:  3,
		Backfilled:  2,
	}
	require.NoError(t, repo.RecordCycle(ctx, diag))

	recs, err := repo.Recent(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, recs)

	totals, err := repo.Totals(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, totals.BackfilledTotal, int64(2))
}
