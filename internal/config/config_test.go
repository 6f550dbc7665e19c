package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"krx-trend-lab/internal/backtest"
	"krx-trend-lab/internal/marketfilter"
	"krx-trend-lab/internal/portfolio"
	"krx-trend-lab/internal/storage/memory"
	"krx-trend-lab/internal/strategy"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	p, err := cfg.BacktestPolicy()
	if err != nil {
		t.Fatalf("BacktestPolicy: %v", err)
	}
	if p != backtest.DefaultPolicy() {
		t.Errorf("default policy mismatch: got %s, want %s", p, backtest.DefaultPolicy())
	}
	if cfg.RiskConfig().Reduction.Enabled {
		t.Error("reduction must be off by default")
	}
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "krx.yaml", `
backtest:
  strategy: ema
  start_date: "2020-01-02"
  end_date: "2023-12-28"
  tickers: ["005930", "000660"]
  risk_per_trade: 0.005
risk:
  max_portfolio_risk: 0.06
policy:
  entry_timing: next_open
  exit_priority: rule_first
  same_day_cash_reuse: false
logging:
  format: json
`)

	cfg, err := Load(path, filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backtest.Strategy != "ema" || cfg.Backtest.RiskPerTrade != 0.005 {
		t.Errorf("backtest section not applied: %+v", cfg.Backtest)
	}
	if cfg.Backtest.Capital != 100_000_000 {
		t.Errorf("unset capital must keep default, got %v", cfg.Backtest.Capital)
	}
	if cfg.Risk.StopMultiple != 2.5 || cfg.Risk.MaxPortfolioRisk != 0.06 {
		t.Errorf("risk section mismatch: %+v", cfg.Risk)
	}

	p, err := cfg.BacktestPolicy()
	if err != nil {
		t.Fatalf("BacktestPolicy: %v", err)
	}
	if p.EntryTiming != backtest.EntryNextOpen || p.ExitPriority != portfolio.RuleFirst {
		t.Errorf("policy enums not applied: %s", p)
	}
	if p.SameDayCashReuse || !p.ForceCloseAtEnd {
		t.Errorf("policy flags mismatch: %s", p)
	}

	run, err := cfg.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(run.Universe) != 2 || run.Calendar != "KS11" {
		t.Errorf("run mismatch: %+v", run)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	envFile := writeFile(t, ".env", "KRX_SQLITE_PATH=/tmp/from-dotenv.db\nKRX_LOG_LEVEL=debug\n")
	t.Setenv("KRX_POSTGRES_DSN", "postgres://u:p@localhost/krx")
	t.Setenv("KRX_LOG_LEVEL", "warn") // process env wins over .env

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("KRX_SQLITE_PATH") })

	if cfg.Storage.PostgresDSN != "postgres://u:p@localhost/krx" {
		t.Errorf("PostgresDSN: got %q", cfg.Storage.PostgresDSN)
	}
	if cfg.Storage.SQLitePath != "/tmp/from-dotenv.db" {
		t.Errorf("SQLitePath from .env: got %q", cfg.Storage.SQLitePath)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level: got %q", cfg.Logging.Level)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Backtest.Strategy = "macd" }},
		{"zero capital", func(c *Config) { c.Backtest.Capital = 0 }},
		{"risk above one", func(c *Config) { c.Backtest.RiskPerTrade = 1.5 }},
		{"reversed dates", func(c *Config) { c.Backtest.StartDate, c.Backtest.EndDate = "2024-02-01", "2024-01-01" }},
		{"bad date", func(c *Config) { c.Backtest.StartDate, c.Backtest.EndDate = "2024-13-01", "2024-12-01" }},
		{"negative cap", func(c *Config) { c.Risk.MaxPortfolioRisk = -0.1 }},
		{"bad timing", func(c *Config) { c.Policy.EntryTiming = "midday" }},
		{"bad priority", func(c *Config) { c.Policy.ExitPriority = "random" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero filter period", func(c *Config) { c.MarketFilter.Period = 0 }},
		{"zero slope period", func(c *Config) { c.MarketFilter.SlopePeriod = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestMarketFilters_FollowStrategyGate(t *testing.T) {
	cfg := Default()
	filters := cfg.MarketFilters(memory.NewBarStore(), memory.NewIndicatorStore())

	trend, _ := strategy.FromID(strategy.IDTrend)
	if _, ok := filters.ForStrategy(trend).(*marketfilter.IndexSlopeFilter); !ok {
		t.Errorf("trend filter = %T, want *IndexSlopeFilter", filters.ForStrategy(trend))
	}
	sma, _ := strategy.FromID(strategy.IDSMA)
	if _, ok := filters.ForStrategy(sma).(*marketfilter.IndexMAFilter); !ok {
		t.Errorf("sma filter = %T, want *IndexMAFilter", filters.ForStrategy(sma))
	}

	cfg.MarketFilter.Enabled = false
	off := cfg.MarketFilters(memory.NewBarStore(), memory.NewIndicatorStore())
	if _, ok := off.ForStrategy(trend).(marketfilter.AllowAll); !ok {
		t.Errorf("disabled filter = %T, want AllowAll", off.ForStrategy(trend))
	}
}
