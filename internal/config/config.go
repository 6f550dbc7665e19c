// Package config loads backtest settings from a YAML file, a .env file and
// KRX_* environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"krx-trend-lab/internal/backtest"
	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/marketfilter"
	"krx-trend-lab/internal/portfolio"
	"krx-trend-lab/internal/risk"
	"krx-trend-lab/internal/storage"
	"krx-trend-lab/internal/strategy"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level configuration.
type Config struct {
	Backtest     Backtest     `yaml:"backtest"`
	Risk         Risk         `yaml:"risk"`
	Policy       Policy       `yaml:"policy"`
	MarketFilter MarketFilter `yaml:"market_filter"`
	Storage      Storage      `yaml:"storage"`
	Logging      Logging      `yaml:"logging"`
	Metrics      Metrics      `yaml:"metrics"`
}

// Backtest holds the run definition.
type Backtest struct {
	Strategy     string   `yaml:"strategy"`
	StartDate    string   `yaml:"start_date"` // YYYY-MM-DD
	EndDate      string   `yaml:"end_date"`
	Tickers      []string `yaml:"tickers"` // empty: every instrument in the bar store
	Capital      float64  `yaml:"capital"`
	RiskPerTrade float64  `yaml:"risk_per_trade"`
	Calendar     string   `yaml:"calendar"`
	Concurrency  int      `yaml:"concurrency"`
}

// Risk holds stop and sizing parameters beyond the per-trade fraction.
type Risk struct {
	StopMultiple     float64   `yaml:"stop_multiple"`
	TrailingMultiple float64   `yaml:"trailing_multiple"`
	MaxPortfolioRisk float64   `yaml:"max_portfolio_risk"` // 0 disables the cap
	Reduction        Reduction `yaml:"reduction"`
}

// Reduction configures the risk cut after losing streaks or drawdowns.
type Reduction struct {
	Enabled          bool    `yaml:"enabled"`
	ReducedFraction  float64 `yaml:"reduced_fraction"`
	ConsecutiveStops int     `yaml:"consecutive_stops"`
	DrawdownTrigger  float64 `yaml:"drawdown_trigger"`
	ReducedTrades    int     `yaml:"reduced_trades"`
	RecoveryR        float64 `yaml:"recovery_r"`
	RecoveryWins     int     `yaml:"recovery_wins"`
}

// Policy selects engine behaviour at the ambiguous points.
type Policy struct {
	ExitPriority       string `yaml:"exit_priority"` // stop_first | rule_first
	EntryTiming        string `yaml:"entry_timing"`  // at_close | next_open
	SameDayCashReuse   bool   `yaml:"same_day_cash_reuse"`
	NoReentryAfterStop bool   `yaml:"no_reentry_after_stop"`
	ForceCloseAtEnd    bool   `yaml:"force_close_at_end"`
}

// MarketFilter configures the index regime filter.
type MarketFilter struct {
	Enabled        bool     `yaml:"enabled"`
	Indices        []string `yaml:"indices"`
	Period         int      `yaml:"period"`
	SlopePeriod    int      `yaml:"slope_period"`
	SlopeThreshold float64  `yaml:"slope_threshold"`
}

// Storage holds data source and repository locations.
// Empty values disable the corresponding backend.
type Storage struct {
	DataDir       string `yaml:"data_dir"` // parquet bar/indicator directory
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	SQLitePath    string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

// Default returns the standard settings: SMA strategy, 100M KRW capital,
// 1% risk, stop-first exits at the close and the KOSPI/KOSDAQ filter.
func Default() *Config {
	rd := risk.DefaultReduction()
	return &Config{
		Backtest: Backtest{
			Strategy:     strategy.IDSMA,
			Capital:      100_000_000,
			RiskPerTrade: risk.DefaultRiskFraction,
			Calendar:     domain.DefaultCalendar,
			Concurrency:  backtest.DefaultConcurrency,
		},
		Risk: Risk{
			StopMultiple:     risk.DefaultStopMultiple,
			TrailingMultiple: risk.DefaultTrailingMultiple,
			Reduction: Reduction{
				ReducedFraction:  rd.ReducedFraction,
				ConsecutiveStops: rd.ConsecutiveStops,
				DrawdownTrigger:  rd.DrawdownTrigger,
				ReducedTrades:    rd.ReducedTrades,
				RecoveryR:        rd.RecoveryR,
				RecoveryWins:     rd.RecoveryWins,
			},
		},
		Policy: Policy{
			ExitPriority:       "stop_first",
			EntryTiming:        "at_close",
			SameDayCashReuse:   true,
			NoReentryAfterStop: true,
			ForceCloseAtEnd:    true,
		},
		MarketFilter: MarketFilter{
			Enabled:        true,
			Indices:        []string{marketfilter.KOSPI, marketfilter.KOSDAQ},
			Period:         marketfilter.DefaultPeriod,
			SlopePeriod:    marketfilter.DefaultSlopePeriod,
			SlopeThreshold: marketfilter.DefaultSlopeThreshold,
		},
		Storage: Storage{
			DataDir: "data",
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a Config.
// Steps:
//  1. Start from Default()
//  2. Overlay the YAML file at path, when path is non-empty
//  3. Load .env files into the environment (missing files are ignored)
//  4. Apply KRX_* environment overrides
//  5. Validate
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads .env (or the given files) without overriding variables
// already set in the process environment.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KRX_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("KRX_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("KRX_CLICKHOUSE_DSN"); v != "" {
		cfg.Storage.ClickhouseDSN = v
	}
	if v := os.Getenv("KRX_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("KRX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KRX_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KRX_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	b := c.Backtest
	if _, err := strategy.FromID(b.Strategy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if b.Capital <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, domain.ErrNonPositiveCapital)
	}
	if b.RiskPerTrade <= 0 || b.RiskPerTrade > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, domain.ErrInvalidRiskFraction)
	}
	if b.StartDate != "" && b.EndDate != "" {
		start, err := domain.ParseDate(b.StartDate)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		end, err := domain.ParseDate(b.EndDate)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if end.Before(start) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, domain.ErrInvalidDateRange)
		}
	}
	if err := c.RiskConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.BacktestPolicy(); err != nil {
		return err
	}
	if c.MarketFilter.Enabled && (c.MarketFilter.Period < 1 || c.MarketFilter.SlopePeriod < 1) {
		return fmt.Errorf("%w: market filter periods must be positive", ErrInvalidConfig)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// RiskConfig converts the risk section for the risk manager.
func (c *Config) RiskConfig() risk.Config {
	r := c.Risk.Reduction
	return risk.Config{
		RiskFraction:     c.Backtest.RiskPerTrade,
		StopMultiple:     c.Risk.StopMultiple,
		TrailingMultiple: c.Risk.TrailingMultiple,
		MaxPortfolioRisk: c.Risk.MaxPortfolioRisk,
		Reduction: risk.ReductionConfig{
			Enabled:          r.Enabled,
			ReducedFraction:  r.ReducedFraction,
			ConsecutiveStops: r.ConsecutiveStops,
			DrawdownTrigger:  r.DrawdownTrigger,
			ReducedTrades:    r.ReducedTrades,
			RecoveryR:        r.RecoveryR,
			RecoveryWins:     r.RecoveryWins,
		},
	}
}

// MarketFilters builds the entry filter selector over the given stores.
func (c *Config) MarketFilters(bars storage.BarStore, indicators storage.IndicatorStore) *marketfilter.Regimes {
	m := c.MarketFilter
	return marketfilter.NewRegimes(bars, indicators, marketfilter.Settings{
		Enabled:        m.Enabled,
		Indices:        m.Indices,
		Period:         m.Period,
		SlopePeriod:    m.SlopePeriod,
		SlopeThreshold: m.SlopeThreshold,
	})
}

// BacktestPolicy converts the policy section for the engine.
func (c *Config) BacktestPolicy() (backtest.Policy, error) {
	p := backtest.Policy{
		SameDayCashReuse:   c.Policy.SameDayCashReuse,
		NoReentryAfterStop: c.Policy.NoReentryAfterStop,
		ForceCloseAtEnd:    c.Policy.ForceCloseAtEnd,
	}
	switch strings.ToLower(c.Policy.ExitPriority) {
	case "stop_first", "":
		p.ExitPriority = portfolio.StopFirst
	case "rule_first":
		p.ExitPriority = portfolio.RuleFirst
	default:
		return p, fmt.Errorf("%w: exit priority %q", ErrInvalidConfig, c.Policy.ExitPriority)
	}
	switch strings.ToLower(c.Policy.EntryTiming) {
	case "at_close", "":
		p.EntryTiming = backtest.EntryAtClose
	case "next_open":
		p.EntryTiming = backtest.EntryNextOpen
	default:
		return p, fmt.Errorf("%w: entry timing %q", ErrInvalidConfig, c.Policy.EntryTiming)
	}
	return p, nil
}

// Run converts the backtest section into a run definition.
// Universe is left to the caller when Tickers is empty.
func (c *Config) Run() (domain.BacktestRun, error) {
	b := c.Backtest
	start, err := domain.ParseDate(b.StartDate)
	if err != nil {
		return domain.BacktestRun{}, fmt.Errorf("%w: start date: %v", ErrInvalidConfig, err)
	}
	end, err := domain.ParseDate(b.EndDate)
	if err != nil {
		return domain.BacktestRun{}, fmt.Errorf("%w: end date: %v", ErrInvalidConfig, err)
	}
	return domain.BacktestRun{
		StrategyID:     b.Strategy,
		StartDate:      start,
		EndDate:        end,
		Universe:       append([]string(nil), b.Tickers...),
		InitialCapital: b.Capital,
		RiskPerTrade:   b.RiskPerTrade,
		Calendar:       b.Calendar,
	}, nil
}
