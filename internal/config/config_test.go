package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
environment:
  mode: demo
universe:
  symbols: [AAPL, MSFT, NVDA]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "SPY", cfg.Universe.Benchmark)
	assert.Equal(t, 25, cfg.Broker.BatchSize)
	assert.Equal(t, 10.0, cfg.Broker.RateLimit)
	assert.Equal(t, "America/Los_Angeles", cfg.Schedule.SchedulingTimezone)
	assert.Equal(t, "America/New_York", cfg.Schedule.MarketTimezone)
	assert.Equal(t, 0.90, cfg.TargetDeployment())
	assert.Equal(t, 0.35, cfg.MaxPositionFraction())
	assert.Equal(t, 15, cfg.Allocation.MaxConcurrentPositions)
	assert.Equal(t, 1.0, cfg.Sizing.SlipGuardADVPct)
	assert.Equal(t, 90, cfg.Sizing.SlipGuardLookbackDays)
	assert.Equal(t, 6.4, cfg.Stops.BreakevenTimeMin)
	assert.Equal(t, 0.025, cfg.Stops.TrailingMax)
	assert.Equal(t, 15, cfg.Health.CheckFrequencyMin)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "state", cfg.Storage.Path)

	assert.False(t, cfg.IsLive())
	assert.True(t, cfg.ORBEnabled())
	assert.True(t, cfg.SlipGuardEnabled())
	assert.True(t, cfg.RedDayEnabled())
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_TRADIER_KEY", "sk-from-env")
	cfg, err := Load(writeConfig(t, minimalYAML+`
broker:
  api_key: ${TEST_TRADIER_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Broker.APIKey)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+`
typo_section:
  foo: 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "paper" }, "environment.mode"},
		{"no symbols", func(c *Config) { c.Universe.Symbols = nil }, "universe.symbols"},
		{"duplicate symbol", func(c *Config) { c.Universe.Symbols = []string{"AAPL", "AAPL"} }, "duplicate"},
		{"bad holiday", func(c *Config) { c.Universe.Holidays = []string{"01/02/2026"} }, "holidays"},
		{"live without key", func(c *Config) { c.Environment.Mode = "live" }, "api_key"},
		{"deployment over 100", func(c *Config) { c.Allocation.SOCapitalPct = 120 }, "so_capital_pct"},
		{"reserve plus deployment", func(c *Config) {
			c.Allocation.SOCapitalPct = 95
			c.Allocation.CashReservePct = 10
		}, "must not exceed 100"},
		{"trailing bounds inverted", func(c *Config) {
			c.Stops.TrailingMin = 0.03
			c.Stops.TrailingMax = 0.02
			c.Stops.BaseTrailing = 0.025
		}, "trailing_min"},
		{"timeout past max hold", func(c *Config) {
			c.Stops.ProfitTimeoutHours = 5
			c.Stops.MaxHoldTimeHours = 4
		}, "profit_timeout_hours"},
		{"positive pnl threshold", func(c *Config) { c.Health.AvgPnLThreshold = 0.001 }, "avg_pnl_threshold"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3"; c.Storage.Bucket = "" }, "storage.bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.backend"},
		{"bad timezone", func(c *Config) { c.Schedule.MarketTimezone = "Mars/Olympus" }, "market_timezone"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			require.NoError(t, err)
			c.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.wantErr)
		})
	}
}

func TestSymbolBudget(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	syms := make([]string, 201)
	for i := range syms {
		syms[i] = "S" + string(rune('A'+i/26)) + string(rune('A'+i%26))
	}
	cfg.Universe.Symbols = syms
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "200")
}

func TestIsHoliday(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
  holidays: ["2026-11-26", "2026-12-25"]
`))
	require.NoError(t, err)
	assert.True(t, cfg.IsHoliday("2026-12-25"))
	assert.False(t, cfg.IsHoliday("2026-12-24"))
}

func TestFeatureToggles(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
  benchmark: QQQ
red_day:
  enabled: false
sizing:
  slip_guard_enabled: false
`))
	require.NoError(t, err)
	assert.Equal(t, "QQQ", cfg.Universe.Benchmark)
	assert.False(t, cfg.RedDayEnabled())
	assert.False(t, cfg.SlipGuardEnabled())
}
