package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"krx-trend-lab/internal/config"
	"krx-trend-lab/internal/logging"
	"krx-trend-lab/internal/storage/backends"
	"krx-trend-lab/internal/verification"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config file; risk, policy and filter must match the stored run")
	runID := flag.String("run-id", "", "Stored run to replay (required)")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string")
	sqlitePath := flag.String("sqlite-path", "", "SQLite file (used when no postgres DSN)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (bars and indicators)")
	dataDir := flag.String("data-dir", "", "Parquet bar/indicator directory")
	outputJSON := flag.Bool("json", false, "Output as JSON")

	flag.Parse()

	// Setup logger
	stdlog := log.New(os.Stderr, "[replay] ", log.LstdFlags)

	// Validate required flags
	if *runID == "" {
		stdlog.Fatal("--run-id is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "postgres-dsn":
			cfg.Storage.PostgresDSN = *postgresDSN
		case "sqlite-path":
			cfg.Storage.SQLitePath = *sqlitePath
		case "clickhouse-dsn":
			cfg.Storage.ClickhouseDSN = *clickhouseDSN
		case "data-dir":
			cfg.Storage.DataDir = *dataDir
		}
	})
	if cfg.Storage.PostgresDSN == "" && cfg.Storage.SQLitePath == "" {
		stdlog.Fatal("--postgres-dsn or --sqlite-path is required")
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format == "json")
	if err != nil {
		stdlog.Fatal(err)
	}
	defer logger.Sync()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		stdlog.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Create stores
	data, err := backends.OpenMarketData(ctx, cfg.Storage, false)
	if err != nil {
		stdlog.Fatalf("open market data: %v", err)
	}
	defer data.Close()

	repo, err := backends.OpenRepository(ctx, logger, cfg.Storage)
	if err != nil {
		stdlog.Fatalf("open repository: %v", err)
	}
	defer repo.Close()

	filters := cfg.MarketFilters(data.Bars, data.Indicators)
	policy, err := cfg.BacktestPolicy()
	if err != nil {
		stdlog.Fatal(err)
	}

	// Replay
	v := verification.NewVerifier(verification.Options{
		Bars:       data.Bars,
		Indicators: data.Indicators,
		Filters:    filters,
		Risk:       cfg.RiskConfig(),
		Policy:     &policy,
		Logger:     logger,
	})
	report, err := v.VerifyStored(ctx, repo.Runs, *runID)
	if err != nil {
		if errors.Is(err, verification.ErrRunNotFound) {
			stdlog.Fatalf("run %s not found", *runID)
		}
		stdlog.Fatalf("replay failed: %v", err)
	}

	// Output
	if *outputJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			stdlog.Fatalf("marshal report: %v", err)
		}
		fmt.Println(string(out))
	} else {
		printReport(report)
	}

	if !report.Match() {
		os.Exit(2)
	}
}

func printReport(r *verification.Report) {
	fmt.Printf("Run ID:          %s\n", r.RunID)
	fmt.Printf("Stored trades:   %d\n", r.StoredTrades)
	fmt.Printf("Replayed trades: %d\n", r.ReplayedTrades)
	fmt.Printf("Matched:         %d\n", r.MatchedTrades)
	fmt.Printf("Divergent:       %d\n", r.DivergentTrades)
	fmt.Printf("Final equity:    %.2f stored, %.2f replayed\n", r.StoredFinalEquity, r.ReplayedFinalEquity)

	for _, res := range r.Results {
		if res.Match {
			continue
		}
		fmt.Printf("\nTrade %d (%s):\n", res.Index, res.TradeID)
		for _, d := range res.Divergences {
			fmt.Printf("  %-14s stored=%v replayed=%v\n", d.Field, d.Expected, d.Actual)
		}
	}

	if r.Match() {
		fmt.Println("\nResult: REPRODUCED")
	} else {
		fmt.Println("\nResult: DIVERGED")
	}
}
