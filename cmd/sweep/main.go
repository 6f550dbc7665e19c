package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"krx-trend-lab/internal/config"
	"krx-trend-lab/internal/logging"
	"krx-trend-lab/internal/orchestrator"
	"krx-trend-lab/internal/reporting"
	"krx-trend-lab/internal/storage/backends"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config file (optional)")
	start := flag.String("start", "", "Start date YYYY-MM-DD")
	end := flag.String("end", "", "End date YYYY-MM-DD")
	strategies := flag.String("strategies", "sma,ema,trend,rsi", "Comma-separated strategies")
	risks := flag.String("risks", "", "Comma-separated per-trade risk fractions (default: config risk)")
	tickers := flag.String("tickers", "", "Comma-separated instrument codes (default: every stored instrument)")
	parallel := flag.Int("parallel", orchestrator.DefaultParallel, "Backtests run at once")
	persist := flag.Bool("persist", false, "Persist every run to the repository")
	overwrite := flag.Bool("overwrite", false, "Replace stored runs with the same run ID")
	outputDir := flag.String("output-dir", "reports", "Output directory for the comparison")
	flag.Parse()

	stdlog := log.New(os.Stderr, "[sweep] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "start":
			cfg.Backtest.StartDate = *start
		case "end":
			cfg.Backtest.EndDate = *end
		case "tickers":
			cfg.Backtest.Tickers = splitList(*tickers)
		}
	})
	if err := cfg.Validate(); err != nil {
		stdlog.Fatal(err)
	}

	fractions, err := parseFractions(*risks)
	if err != nil {
		stdlog.Fatal(err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format == "json")
	if err != nil {
		stdlog.Fatal(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, cancelling sweep", zap.Stringer("signal", sig))
		cancel()
	}()

	// Stores
	data, err := backends.OpenMarketData(ctx, cfg.Storage, false)
	if err != nil {
		stdlog.Fatalf("open market data: %v", err)
	}
	defer data.Close()

	base, err := cfg.Run()
	if err != nil {
		stdlog.Fatal(err)
	}
	if len(base.Universe) == 0 {
		base.Universe, err = data.Bars.Instruments(ctx)
		if err != nil {
			stdlog.Fatalf("list instruments: %v", err)
		}
		base.Universe = withoutCodes(base.Universe, append([]string{cfg.Backtest.Calendar}, cfg.MarketFilter.Indices...))
	}

	filters := cfg.MarketFilters(data.Bars, data.Indicators)
	policy, err := cfg.BacktestPolicy()
	if err != nil {
		stdlog.Fatal(err)
	}

	opts := orchestrator.Options{
		Base:          base,
		Strategies:    splitList(*strategies),
		RiskFractions: fractions,
		Bars:          data.Bars,
		Indicators:    data.Indicators,
		Filters:       filters,
		Risk:          cfg.RiskConfig(),
		Policy:        &policy,
		Overwrite:     *overwrite,
		Parallel:      *parallel,
		Concurrency:   cfg.Backtest.Concurrency,
		Logger:        logger,
	}
	if *persist {
		repo, err := backends.OpenRepository(ctx, logger, cfg.Storage)
		if err != nil {
			stdlog.Fatalf("open repository: %v", err)
		}
		defer repo.Close()
		opts.Repository = repo.Runs
	}

	// Run
	out, err := orchestrator.New(opts).Run(ctx)
	if err != nil {
		stdlog.Fatal(err)
	}

	// Comparison
	c := reporting.CompareResults(time.Now().UTC(), out.Results...)
	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		stdlog.Fatalf("create output dir: %v", err)
	}
	for name, content := range map[string]string{
		"sweep.md":  reporting.RenderComparisonMarkdown(c),
		"sweep.csv": reporting.RenderComparisonCSV(c),
	} {
		path := filepath.Join(*outputDir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			stdlog.Fatalf("write %s: %v", path, err)
		}
		fmt.Printf("Generated: %s\n", path)
	}

	fmt.Printf("\n%d/%d runs completed in %s\n", len(out.Results), len(out.Cells), out.Duration.Round(time.Millisecond))
	for _, e := range out.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	if len(out.Errors) > 0 {
		os.Exit(1)
	}
}

func parseFractions(s string) ([]float64, error) {
	var out []float64
	for _, part := range splitList(s) {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil || f <= 0 || f >= 1 {
			return nil, fmt.Errorf("invalid risk fraction %q", part)
		}
		out = append(out, f)
	}
	return out, nil
}

func withoutCodes(all, exclude []string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	var out []string
	for _, s := range all {
		if !skip[s] {
			out = append(out, s)
		}
	}
	return out
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
