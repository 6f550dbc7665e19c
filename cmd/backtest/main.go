package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"krx-trend-lab/internal/backtest"
	"krx-trend-lab/internal/config"
	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/logging"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/reporting"
	"krx-trend-lab/internal/result"
	"krx-trend-lab/internal/storage"
	"krx-trend-lab/internal/storage/backends"
	pqstore "krx-trend-lab/internal/storage/parquet"
	"krx-trend-lab/internal/verification"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config file (optional)")
	start := flag.String("start", "", "Start date YYYY-MM-DD (required unless set in config)")
	end := flag.String("end", "", "End date YYYY-MM-DD (required unless set in config)")
	strategyID := flag.String("strategy", "", "Strategy: sma, ema, trend, rsi")
	tickers := flag.String("tickers", "", "Comma-separated instrument codes (default: every stored instrument)")
	capital := flag.Float64("capital", 0, "Initial capital in KRW")
	riskPerTrade := flag.Float64("risk", 0, "Fraction of equity risked per trade, e.g. 0.01")
	noFilter := flag.Bool("no-filter", false, "Disable the KOSPI/KOSDAQ market filter")

	// Storage
	dataDir := flag.String("data-dir", "", "Parquet bar/indicator directory")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (run repository)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (bars and indicators)")
	sqlitePath := flag.String("sqlite-path", "", "SQLite file (run repository when no postgres DSN)")
	persist := flag.Bool("persist", false, "Persist the run to the repository")

	// Output
	output := flag.String("output", "", "Write the trade log as CSV to this path")
	parquetOut := flag.String("parquet-out", "", "Write the trade log as Parquet to this path")
	reportOut := flag.String("report", "", "Write a Markdown report to this path")
	outputJSON := flag.Bool("json", false, "Print the result summary as JSON")
	quiet := flag.Bool("quiet", false, "Only print errors")
	verify := flag.Bool("verify", false, "Re-run the backtest and check it reproduces the same trades")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (empty to disable)")

	flag.Parse()

	// Flag validation logger, before zap is configured
	stdlog := log.New(os.Stderr, "[backtest] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("load config: %v", err)
	}

	// Explicitly set flags win over config and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "start":
			cfg.Backtest.StartDate = *start
		case "end":
			cfg.Backtest.EndDate = *end
		case "strategy":
			cfg.Backtest.Strategy = strings.ToLower(*strategyID)
		case "tickers":
			cfg.Backtest.Tickers = splitList(*tickers)
		case "capital":
			cfg.Backtest.Capital = *capital
		case "risk":
			cfg.Backtest.RiskPerTrade = *riskPerTrade
		case "no-filter":
			cfg.MarketFilter.Enabled = !*noFilter
		case "data-dir":
			cfg.Storage.DataDir = *dataDir
		case "postgres-dsn":
			cfg.Storage.PostgresDSN = *postgresDSN
		case "clickhouse-dsn":
			cfg.Storage.ClickhouseDSN = *clickhouseDSN
		case "sqlite-path":
			cfg.Storage.SQLitePath = *sqlitePath
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		}
	})
	if *quiet {
		cfg.Logging.Level = "error"
	}
	if cfg.Backtest.StartDate == "" || cfg.Backtest.EndDate == "" {
		stdlog.Fatal("--start and --end are required")
	}
	if err := cfg.Validate(); err != nil {
		stdlog.Fatal(err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format == "json")
	if err != nil {
		stdlog.Fatal(err)
	}
	defer logger.Sync()

	// Start metrics server if enabled
	if cfg.Metrics.Addr != "" {
		go serveMetrics(logger, cfg.Metrics.Addr)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, cancelling run", zap.Stringer("signal", sig))
		cancel()
	}()

	if err := run(ctx, logger, cfg, options{
		persist:    *persist,
		output:     *output,
		parquetOut: *parquetOut,
		reportOut:  *reportOut,
		json:       *outputJSON,
		quiet:      *quiet,
		verify:     *verify,
	}); err != nil {
		logger.Error("backtest failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

type options struct {
	persist    bool
	output     string
	parquetOut string
	reportOut  string
	json       bool
	quiet      bool
	verify     bool
}

// run executes one backtest.
// Steps:
//  1. Open market data and, with --persist, the run repository
//  2. Resolve the universe and the market filter
//  3. Run the engine
//  4. Write requested outputs and print the summary
//  5. Optionally verify determinism by replaying
func run(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts options) error {
	// 1. Open stores
	data, err := backends.OpenMarketData(ctx, cfg.Storage, false)
	if err != nil {
		return err
	}
	defer data.Close()

	var repo *backends.Repository
	if opts.persist {
		repo, err = backends.OpenRepository(ctx, logger, cfg.Storage)
		if err != nil {
			return err
		}
		defer repo.Close()
	}

	// 2. Universe and filter
	runDef, err := cfg.Run()
	if err != nil {
		return err
	}
	if len(runDef.Universe) == 0 {
		runDef.Universe, err = storedUniverse(ctx, data.Bars, cfg)
		if err != nil {
			return err
		}
	}

	filters := cfg.MarketFilters(data.Bars, data.Indicators)

	policy, err := cfg.BacktestPolicy()
	if err != nil {
		return err
	}

	// 3. Run
	engineOpts := backtest.Options{
		Run:         runDef,
		Bars:        data.Bars,
		Indicators:  data.Indicators,
		Filters:     filters,
		Risk:        cfg.RiskConfig(),
		Policy:      &policy,
		Logger:      logger,
		Concurrency: cfg.Backtest.Concurrency,
	}
	if repo != nil {
		engineOpts.Repository = repo.Runs
	}
	engine, err := backtest.NewEngine(engineOpts)
	if err != nil {
		return err
	}

	started := time.Now()
	res, runErr := engine.Run(ctx)
	if runErr != nil && !errors.Is(runErr, backtest.ErrPersistence) {
		return runErr
	}
	logger.Info("backtest finished",
		zap.String("run_id", res.Run.RunID),
		zap.Int("trades", len(res.Trades)),
		zap.Float64("final_equity", res.FinalEquity),
		zap.Duration("elapsed", time.Since(started)),
	)

	// 4. Outputs
	if err := writeOutputs(res, opts); err != nil {
		return err
	}
	if opts.json {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if !opts.quiet {
		printSummary(res)
	}

	// 5. Verify
	if opts.verify {
		v := verification.NewVerifier(verification.Options{
			Bars:       data.Bars,
			Indicators: data.Indicators,
			Filters:    filters,
			Risk:       cfg.RiskConfig(),
			Policy:     &policy,
			Logger:     logger,
		})
		report, err := v.VerifyRun(ctx, res.Record())
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if !opts.quiet {
			printVerification(report)
		}
		if !report.Match() {
			return fmt.Errorf("verify: run %s did not reproduce", report.RunID)
		}
	}

	// Persistence failure still reports the in-memory result above
	return runErr
}

func writeOutputs(res *result.Result, opts options) error {
	if opts.output != "" {
		if err := os.WriteFile(opts.output, []byte(reporting.RenderTradesCSV(res.Trades)), 0o644); err != nil {
			return fmt.Errorf("write trades csv: %w", err)
		}
	}
	if opts.parquetOut != "" {
		if err := pqstore.WriteTrades(opts.parquetOut, res.Trades); err != nil {
			return err
		}
	}
	if opts.reportOut != "" {
		md := reporting.RenderMarkdown(reporting.FromResult(res, time.Now().UTC()))
		if err := os.WriteFile(opts.reportOut, []byte(md), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}

// summary is the --json output.
type summary struct {
	RunID         string          `json:"run_id"`
	Strategy      string          `json:"strategy"`
	StartDate     string          `json:"start_date"`
	EndDate       string          `json:"end_date"`
	Instruments   int             `json:"instruments"`
	FinalEquity   float64         `json:"final_equity"`
	TradeCount    int             `json:"trade_count"`
	OpenPositions int             `json:"open_positions"`
	Skipped       map[string]int  `json:"skipped"`
	Stats         domain.RunStats `json:"stats"`
}

func printJSON(res *result.Result) error {
	out, err := json.MarshalIndent(summary{
		RunID:         res.Run.RunID,
		Strategy:      res.Run.StrategyID,
		StartDate:     domain.FormatDate(res.Run.StartDate),
		EndDate:       domain.FormatDate(res.Run.EndDate),
		Instruments:   len(res.Run.Universe),
		FinalEquity:   res.FinalEquity,
		TradeCount:    len(res.Trades),
		OpenPositions: len(res.OpenPositions),
		Skipped:       res.Skipped,
		Stats:         res.Stats,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// printSummary prints a human-readable summary.
func printSummary(res *result.Result) {
	s := res.Stats
	fmt.Println("=== Backtest Result ===")
	fmt.Printf("Run ID:          %s\n", res.Run.RunID)
	fmt.Printf("Strategy:        %s\n", res.Run.StrategyID)
	fmt.Printf("Period:          %s to %s\n", domain.FormatDate(res.Run.StartDate), domain.FormatDate(res.Run.EndDate))
	fmt.Printf("Universe:        %d instruments\n", len(res.Run.Universe))
	fmt.Println()
	fmt.Printf("Initial Capital: %.0f\n", res.Run.InitialCapital)
	fmt.Printf("Final Equity:    %.0f\n", res.FinalEquity)
	fmt.Printf("Total Return:    %.2f%%\n", s.TotalReturn*100)
	fmt.Printf("CAGR:            %.2f%%\n", s.CAGR*100)
	fmt.Printf("Max Drawdown:    %.2f%%\n", s.MaxDrawdownPct*100)
	fmt.Printf("Sharpe:          %.2f\n", s.SharpeRatio)
	fmt.Println()
	fmt.Printf("Trades:          %d (%d wins, %d losses)\n", s.TotalTrades, s.Wins, s.Losses)
	fmt.Printf("Win Rate:        %.2f%%\n", s.WinRate*100)
	fmt.Printf("Profit Factor:   %.2f\n", s.ProfitFactor)
	fmt.Printf("Avg R:           %.2f\n", s.AvgRMultiple)
	fmt.Printf("Open Positions:  %d\n", len(res.OpenPositions))
	if len(res.Skipped) > 0 {
		fmt.Printf("Skipped Entries: %v\n", res.Skipped)
	}
}

func printVerification(r *verification.Report) {
	status := "MATCH"
	if !r.Match() {
		status = "DIVERGED"
	}
	fmt.Printf("\nVerification:    %s (%d/%d trades matched, equity %.0f vs %.0f)\n",
		status, r.MatchedTrades, r.StoredTrades, r.StoredFinalEquity, r.ReplayedFinalEquity)
	for _, res := range r.Results {
		for _, d := range res.Divergences {
			fmt.Printf("  trade %d %s: %s stored=%v replayed=%v\n", res.Index, res.TradeID, d.Field, d.Expected, d.Actual)
		}
	}
}

func serveMetrics(logger *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	logger.Info("starting metrics server", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", zap.Error(err))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// storedUniverse lists every stored instrument except the calendar and
// market filter indices.
func storedUniverse(ctx context.Context, bars storage.BarStore, cfg *config.Config) ([]string, error) {
	all, err := bars.Instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	exclude := map[string]bool{cfg.Backtest.Calendar: true}
	for _, idx := range cfg.MarketFilter.Indices {
		exclude[idx] = true
	}

	var out []string
	for _, inst := range all {
		if !exclude[inst] {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instruments stored")
	}
	return out, nil
}
