// Package config provides configuration management for the trading agent.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize() when a key is unset.
const (
	defaultSOCapitalPct           = 90.0
	defaultCashReservePct         = 10.0
	defaultMaxPositionSizePct     = 35.0
	defaultMaxConcurrentPositions = 15
	defaultSlipGuardADVPct        = 1.0
	defaultSlipGuardLookbackDays  = 90
	defaultHealthFrequencyMin     = 15
	defaultSchedulingTimezone     = "America/Los_Angeles"
	defaultMarketTimezone         = "America/New_York"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Universe    UniverseConfig    `yaml:"universe"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Allocation  AllocationConfig  `yaml:"allocation"`
	Sizing      SizingConfig      `yaml:"sizing"`
	Stops       StopsConfig       `yaml:"stops"`
	RapidExits  RapidExitConfig   `yaml:"rapid_exits"`
	Health      HealthConfig      `yaml:"health"`
	RedDay      RedDayConfig      `yaml:"red_day"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines environment settings.
type EnvironmentConfig struct {
	Mode       string `yaml:"mode"`        // demo | live
	LogLevel   string `yaml:"log_level"`   // debug | info | warn | error
	EnableORB  *bool  `yaml:"enable_orb"`  // default true
	Enable0DTE bool   `yaml:"enable_0dte"` // options overlay, filter is pluggable
}

// UniverseConfig defines the symbol universe scanned each day.
type UniverseConfig struct {
	Symbols   []string `yaml:"symbols"`
	Benchmark string   `yaml:"benchmark"` // relative-strength reference, default SPY
	Holidays  []string `yaml:"holidays"`  // YYYY-MM-DD, skipped at the 05:30 pre-flight
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string  `yaml:"provider"`
	APIKey      string  `yaml:"api_key"`
	APIEndpoint string  `yaml:"api_endpoint"`
	AccountID   string  `yaml:"account_id"`
	RateLimit   float64 `yaml:"rate_limit"` // requests per second, default 10
	BatchSize   int     `yaml:"batch_size"` // symbols per quote call, default 25
}

// ScheduleConfig defines the timezones the phase clock runs in.
// Scheduling decisions use the Pacific zone; market semantics (bar
// boundaries, session open) use Eastern.
type ScheduleConfig struct {
	SchedulingTimezone string `yaml:"scheduling_timezone"`
	MarketTimezone     string `yaml:"market_timezone"`
}

// AllocationConfig defines the capital budget for batch execution.
type AllocationConfig struct {
	SOCapitalPct           float64 `yaml:"so_capital_pct"`           // target deployment, default 90
	CashReservePct         float64 `yaml:"cash_reserve_pct"`         // default 10
	MaxPositionSizePct     float64 `yaml:"max_position_size_pct"`    // default 35
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"` // default 15
}

// SizingConfig defines the ADV slip guard.
type SizingConfig struct {
	SlipGuardEnabled      *bool   `yaml:"slip_guard_enabled"` // default true
	SlipGuardADVPct       float64 `yaml:"slip_guard_adv_pct"`
	SlipGuardLookbackDays int     `yaml:"slip_guard_lookback_days"`
}

// StopsConfig defines the stealth stop progression parameters.
type StopsConfig struct {
	BreakevenThreshold          float64 `yaml:"breakeven_threshold"`           // default 0.0075
	BreakevenTimeMin            float64 `yaml:"breakeven_time_min"`            // default 6.4
	BreakevenOffset             float64 `yaml:"breakeven_offset"`              // default 0.002
	TrailingActivationThreshold float64 `yaml:"trailing_activation_threshold"` // default 0.007
	TrailingActivationTimeMin   float64 `yaml:"trailing_activation_time_min"`  // default 6.4
	BaseTrailing                float64 `yaml:"base_trailing"`                 // default 0.015
	TrailingMin                 float64 `yaml:"trailing_min"`                  // default 0.015
	TrailingMax                 float64 `yaml:"trailing_max"`                  // default 0.025
	ProfitTimeoutHours          float64 `yaml:"profit_timeout_hours"`          // default 2.5
	MaxHoldTimeHours            float64 `yaml:"max_hold_time_hours"`           // default 4
}

// RapidExitConfig defines thresholds for the fast failure exits.
type RapidExitConfig struct {
	NoMomentumThreshold float64 `yaml:"no_momentum_threshold"` // default 0.003
	ReversalThreshold   float64 `yaml:"reversal_threshold"`    // default 0.005
	WeakThreshold       float64 `yaml:"weak_threshold"`        // default 0.003
	WeakPeakThreshold   float64 `yaml:"weak_peak_threshold"`   // default 0.002
}

// HealthConfig defines the portfolio health red-flag thresholds.
type HealthConfig struct {
	CheckFrequencyMin  int     `yaml:"check_frequency_min"`  // default 15
	WinRateThreshold   float64 `yaml:"win_rate_threshold"`   // default 0.35
	AvgPnLThreshold    float64 `yaml:"avg_pnl_threshold"`    // default -0.005
	MomentumThreshold  float64 `yaml:"momentum_threshold"`   // default 0.40
	WeakPeaksThreshold float64 `yaml:"weak_peaks_threshold"` // default 0.008
}

// RedDayConfig gates the portfolio-level red-day filter.
type RedDayConfig struct {
	Enabled *bool `yaml:"enabled"` // default true
}

// StorageConfig selects the durable state store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // file | s3
	Path    string `yaml:"path"`    // file backend: directory for state files
	Bucket  string `yaml:"bucket"`  // s3 backend
	Region  string `yaml:"region"`  // s3 backend
	Prefix  string `yaml:"prefix"`  // s3 backend key prefix, optional
}

// DashboardConfig defines the embedded HTTP health server.
type DashboardConfig struct {
	Port int `yaml:"port"` // 0 disables
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) normalize() {
	if c.Universe.Benchmark == "" {
		c.Universe.Benchmark = "SPY"
	}
	if c.Broker.RateLimit <= 0 {
		c.Broker.RateLimit = 10
	}
	if c.Broker.BatchSize <= 0 || c.Broker.BatchSize > 25 {
		c.Broker.BatchSize = 25
	}
	if c.Schedule.SchedulingTimezone == "" {
		c.Schedule.SchedulingTimezone = defaultSchedulingTimezone
	}
	if c.Schedule.MarketTimezone == "" {
		c.Schedule.MarketTimezone = defaultMarketTimezone
	}
	if c.Allocation.SOCapitalPct == 0 {
		c.Allocation.SOCapitalPct = defaultSOCapitalPct
	}
	if c.Allocation.CashReservePct == 0 {
		c.Allocation.CashReservePct = defaultCashReservePct
	}
	if c.Allocation.MaxPositionSizePct == 0 {
		c.Allocation.MaxPositionSizePct = defaultMaxPositionSizePct
	}
	if c.Allocation.MaxConcurrentPositions == 0 {
		c.Allocation.MaxConcurrentPositions = defaultMaxConcurrentPositions
	}
	if c.Sizing.SlipGuardADVPct == 0 {
		c.Sizing.SlipGuardADVPct = defaultSlipGuardADVPct
	}
	if c.Sizing.SlipGuardLookbackDays == 0 {
		c.Sizing.SlipGuardLookbackDays = defaultSlipGuardLookbackDays
	}
	if c.Stops.BreakevenThreshold == 0 {
		c.Stops.BreakevenThreshold = 0.0075
	}
	if c.Stops.BreakevenTimeMin == 0 {
		c.Stops.BreakevenTimeMin = 6.4
	}
	if c.Stops.BreakevenOffset == 0 {
		c.Stops.BreakevenOffset = 0.002
	}
	if c.Stops.TrailingActivationThreshold == 0 {
		c.Stops.TrailingActivationThreshold = 0.007
	}
	if c.Stops.TrailingActivationTimeMin == 0 {
		c.Stops.TrailingActivationTimeMin = 6.4
	}
	if c.Stops.BaseTrailing == 0 {
		c.Stops.BaseTrailing = 0.015
	}
	if c.Stops.TrailingMin == 0 {
		c.Stops.TrailingMin = 0.015
	}
	if c.Stops.TrailingMax == 0 {
		c.Stops.TrailingMax = 0.025
	}
	if c.Stops.ProfitTimeoutHours == 0 {
		c.Stops.ProfitTimeoutHours = 2.5
	}
	if c.Stops.MaxHoldTimeHours == 0 {
		c.Stops.MaxHoldTimeHours = 4
	}
	if c.RapidExits.NoMomentumThreshold == 0 {
		c.RapidExits.NoMomentumThreshold = 0.003
	}
	if c.RapidExits.ReversalThreshold == 0 {
		c.RapidExits.ReversalThreshold = 0.005
	}
	if c.RapidExits.WeakThreshold == 0 {
		c.RapidExits.WeakThreshold = 0.003
	}
	if c.RapidExits.WeakPeakThreshold == 0 {
		c.RapidExits.WeakPeakThreshold = 0.002
	}
	if c.Health.CheckFrequencyMin == 0 {
		c.Health.CheckFrequencyMin = defaultHealthFrequencyMin
	}
	if c.Health.WinRateThreshold == 0 {
		c.Health.WinRateThreshold = 0.35
	}
	if c.Health.AvgPnLThreshold == 0 {
		c.Health.AvgPnLThreshold = -0.005
	}
	if c.Health.MomentumThreshold == 0 {
		c.Health.MomentumThreshold = 0.40
	}
	if c.Health.WeakPeaksThreshold == 0 {
		c.Health.WeakPeaksThreshold = 0.008
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "state"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "demo" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'demo' or 'live'")
	}
	if len(c.Universe.Symbols) == 0 {
		return fmt.Errorf("universe.symbols must not be empty")
	}
	if len(c.Universe.Symbols) > 200 {
		return fmt.Errorf("universe.symbols exceeds the 200-symbol capture budget")
	}
	seen := make(map[string]bool, len(c.Universe.Symbols))
	for _, s := range c.Universe.Symbols {
		if s == "" {
			return fmt.Errorf("universe.symbols contains an empty symbol")
		}
		if seen[s] {
			return fmt.Errorf("universe.symbols contains duplicate symbol %s", s)
		}
		seen[s] = true
	}
	for _, d := range c.Universe.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("universe.holidays: invalid date %q: %w", d, err)
		}
	}
	if c.IsLive() {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required in live mode")
		}
	}
	if c.Allocation.SOCapitalPct <= 0 || c.Allocation.SOCapitalPct > 100 {
		return fmt.Errorf("allocation.so_capital_pct must be in (0,100]")
	}
	if c.Allocation.CashReservePct < 0 || c.Allocation.CashReservePct >= 100 {
		return fmt.Errorf("allocation.cash_reserve_pct must be in [0,100)")
	}
	if c.Allocation.SOCapitalPct+c.Allocation.CashReservePct > 100 {
		return fmt.Errorf("allocation: so_capital_pct + cash_reserve_pct must not exceed 100")
	}
	if c.Allocation.MaxPositionSizePct <= 0 || c.Allocation.MaxPositionSizePct > 100 {
		return fmt.Errorf("allocation.max_position_size_pct must be in (0,100]")
	}
	if c.Allocation.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("allocation.max_concurrent_positions must be > 0")
	}
	if c.Sizing.SlipGuardADVPct <= 0 {
		return fmt.Errorf("sizing.slip_guard_adv_pct must be > 0")
	}
	if c.Stops.TrailingMin > c.Stops.TrailingMax {
		return fmt.Errorf("stops.trailing_min (%.4f) must be <= stops.trailing_max (%.4f)",
			c.Stops.TrailingMin, c.Stops.TrailingMax)
	}
	if c.Stops.BaseTrailing < c.Stops.TrailingMin || c.Stops.BaseTrailing > c.Stops.TrailingMax {
		return fmt.Errorf("stops.base_trailing must be within [trailing_min, trailing_max]")
	}
	if c.Stops.ProfitTimeoutHours >= c.Stops.MaxHoldTimeHours {
		return fmt.Errorf("stops.profit_timeout_hours (%.1f) must be < stops.max_hold_time_hours (%.1f)",
			c.Stops.ProfitTimeoutHours, c.Stops.MaxHoldTimeHours)
	}
	if c.Health.WinRateThreshold <= 0 || c.Health.WinRateThreshold >= 1 {
		return fmt.Errorf("health.win_rate_threshold must be in (0,1)")
	}
	if c.Health.AvgPnLThreshold >= 0 {
		return fmt.Errorf("health.avg_pnl_threshold must be negative")
	}
	switch c.Storage.Backend {
	case "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file backend")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be 'file' or 's3'")
	}
	if _, err := time.LoadLocation(c.Schedule.SchedulingTimezone); err != nil {
		return fmt.Errorf("schedule.scheduling_timezone invalid: %w", err)
	}
	if _, err := time.LoadLocation(c.Schedule.MarketTimezone); err != nil {
		return fmt.Errorf("schedule.market_timezone invalid: %w", err)
	}
	return nil
}

// IsLive returns true when real orders are placed.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

// ORBEnabled reports whether the ORB strategy runs (default true).
func (c *Config) ORBEnabled() bool {
	return c.Environment.EnableORB == nil || *c.Environment.EnableORB
}

// SlipGuardEnabled reports whether the ADV cap applies (default true).
func (c *Config) SlipGuardEnabled() bool {
	return c.Sizing.SlipGuardEnabled == nil || *c.Sizing.SlipGuardEnabled
}

// RedDayEnabled reports whether the red-day filter applies (default true).
func (c *Config) RedDayEnabled() bool {
	return c.RedDay.Enabled == nil || *c.RedDay.Enabled
}

// TargetDeployment returns the target deployment fraction (e.g. 0.90).
func (c *Config) TargetDeployment() float64 {
	return c.Allocation.SOCapitalPct / 100
}

// MaxPositionFraction returns the per-position cap fraction (e.g. 0.35).
func (c *Config) MaxPositionFraction() float64 {
	return c.Allocation.MaxPositionSizePct / 100
}

// SchedulingLocation returns the Pacific scheduling zone.
func (c *Config) SchedulingLocation() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.SchedulingTimezone)
	if err != nil {
		return time.FixedZone("PT", -8*60*60)
	}
	return loc
}

// MarketLocation returns the Eastern market-semantics zone.
func (c *Config) MarketLocation() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.MarketTimezone)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsHoliday reports whether the given date (YYYY-MM-DD) is configured as
// a market holiday.
func (c *Config) IsHoliday(date string) bool {
	for _, d := range c.Universe.Holidays {
		if d == date {
			return true
		}
	}
	return false
}
