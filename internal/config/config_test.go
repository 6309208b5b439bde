package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefault(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 30, cfg.Backfill.IntervalSeconds)
	assert.Equal(t, 86400, cfg.Backfill.WindowSeconds)
	assert.Equal(t, 60, cfg.Backfill.ResolutionSeconds)
	assert.Equal(t, 100, cfg.Backfill.MaxJobTest)
	assert.False(t, cfg.Backfill.Continue)
}

func TestLoadConfigFromEnv(t *testing.T) {
	os.Setenv("BF_INTERVAL", "45")
	os.Setenv("BF_CONTINUE", "true")
	defer func() {
		os.Unsetenv("BF_INTERVAL")
		os.Unsetenv("BF_CONTINUE")
	}()

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Backfill.IntervalSeconds)
	assert.True(t, cfg.Backfill.Continue)
}

func TestLoadConfigMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Backfill.IntervalSeconds)
}

func TestBackfillConfigValidateResetsInvalidTunables(t *testing.T) {
	b := BackfillConfig{
		IntervalSeconds:    0,
		WindowSeconds:      -5,
		ResolutionSeconds:  0,
		MaxJobTest:         0,
		SchedTimeoutMillis: 0,
		YieldSleepMillis:   0,
	}
	fixed := b.Validate()

	assert.Contains(t, fixed, "bf_interval")
	assert.Contains(t, fixed, "bf_window")
	assert.Contains(t, fixed, "bf_resolution")
	assert.Contains(t, fixed, "bf_max_job_test")
	assert.Equal(t, 30, b.IntervalSeconds)
	assert.Equal(t, 86400, b.WindowSeconds)
	assert.Equal(t, 60, b.ResolutionSeconds)
}

func TestBackfillConfigDurationHelpers(t *testing.T) {
	b := BackfillConfig{IntervalSeconds: 30, WindowSeconds: 120, ResolutionSeconds: 60,
		SchedTimeoutMillis: 2000, YieldSleepMillis: 1000}

	assert.Equal(t, 30e9, float64(b.Interval()))
	assert.Equal(t, 120e9, float64(b.Window()))
	assert.Equal(t, 60e9, float64(b.Resolution()))
	assert.Equal(t, 2e9, float64(b.SchedTimeout()))
	assert.Equal(t, 1e9, float64(b.YieldSleep()))
}

func TestLoadConfigParsesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	yamlContent := `
backfill:
  bf_interval: 15
  bf_window: 3600
  bf_resolution: 30
  bf_max_job_test: 50
  bf_continue: true
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Backfill.IntervalSeconds)
	assert.Equal(t, 3600, cfg.Backfill.WindowSeconds)
	assert.Equal(t, 30, cfg.Backfill.ResolutionSeconds)
	assert.Equal(t, 50, cfg.Backfill.MaxJobTest)
	assert.True(t, cfg.Backfill.Continue)
}
