package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/rate"
	"github.com/joshsymonds/inboxrules/internal/retry"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, rate.DefaultConfig(), cfg.RateConfig())
	assert.Equal(t, retry.DefaultPolicy(), cfg.RetryPolicy())
	assert.Equal(t, 5000, cfg.Fetch.MaxFullScan)
	assert.Equal(t, 1000, cfg.Execute.MaxBatchSize)
	assert.LessOrEqual(t, cfg.Fetch.GetBatch*gmail.CostGetPerID, cfg.Quota.UnitsPerWindow)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[quota]
units_per_window = 100
window = "2s"
daily_limit = 1000000

[retry]
max_attempts = 3
initial = "1s"

[fetch]
max_full_scan = 0
get_batch = 20

[history]
enabled = false

[logging]
level = "debug"
format = "json"

[metrics]
addr = ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rc := cfg.RateConfig()
	assert.Equal(t, 100, rc.Limit)
	assert.Equal(t, 2*time.Second, rc.Window)
	assert.Equal(t, int64(1000000), rc.Daily)
	assert.Equal(t, 10*time.Second, rc.RecoverAfter)

	p := cfg.RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.Initial)
	assert.Equal(t, 30*time.Second, p.Max)

	assert.Zero(t, cfg.Fetch.MaxFullScan)
	assert.Equal(t, 20, cfg.Fetch.GetBatch)
	assert.Equal(t, 500, cfg.Fetch.PageSize)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[fetch]
page_sise = 10
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch.page_sise")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Quota.Window = "soon"
	cfg.Quota.UnitsPerWindow = 10
	cfg.Retry.MaxAttempts = 0
	cfg.Fetch.PageSize = 501
	cfg.Execute.MaxBatchSize = 0
	cfg.Logging.Format = "xml"
	cfg.History.Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"quota.window",
		"quota.units_per_window",
		"retry.max_attempts",
		"fetch.page_size",
		"execute.max_batch_size",
		"logging.format",
		"history.path",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateGetBatchFitsQuotaWindow(t *testing.T) {
	cfg := Default()
	cfg.Fetch.GetBatch = 100
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch.get_batch 100 costs 500 units")

	cfg.Quota.UnitsPerWindow = 500
	assert.NoError(t, cfg.Validate())
}

func TestDurationGetters(t *testing.T) {
	q := QuotaConfig{Window: "0s", RecoverAfter: "1m"}
	_, err := q.GetWindow()
	assert.ErrorIs(t, err, errNonPositive)
	d, err := q.GetRecoverAfter()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}
