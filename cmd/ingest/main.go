package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"krx-trend-lab/internal/config"
	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/indicator"
	"krx-trend-lab/internal/logging"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/storage/backends"
	pqstore "krx-trend-lab/internal/storage/parquet"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config file (optional)")
	input := flag.String("input", "", "Parquet bar file or directory of bar files (required)")
	dataDir := flag.String("data-dir", "", "Target parquet directory")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "Target ClickHouse connection string (overrides --data-dir)")
	concurrency := flag.Int("concurrency", 4, "Instruments processed in parallel")
	skipIndicators := flag.Bool("skip-indicators", false, "Store bars only")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (empty to disable)")

	flag.Parse()

	stdlog := log.New(os.Stderr, "[ingest] ", log.LstdFlags)

	if *input == "" {
		stdlog.Fatal("--input is required")
	}
	if *concurrency < 1 {
		stdlog.Fatal("--concurrency must be at least 1")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.Storage.DataDir = *dataDir
		case "clickhouse-dsn":
			cfg.Storage.ClickhouseDSN = *clickhouseDSN
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		}
	})

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format == "json")
	if err != nil {
		stdlog.Fatal(err)
	}
	defer logger.Sync()

	// Start metrics server if enabled
	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Info("starting metrics server", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, stopping ingest", zap.Stringer("signal", sig))
		cancel()
	}()

	if err := run(ctx, logger, cfg, *input, *concurrency, !*skipIndicators); err != nil {
		logger.Error("ingest failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// run loads every input file, groups bars by instrument and stores each
// instrument's bars and indicators. Instruments are independent, so they
// are processed concurrently; the first failure cancels the rest.
func run(ctx context.Context, logger *zap.Logger, cfg *config.Config, input string, concurrency int, withIndicators bool) error {
	files, err := inputFiles(input)
	if err != nil {
		return err
	}

	byInstrument := make(map[string][]*domain.Bar)
	for _, f := range files {
		bars, err := pqstore.ReadBarFile(f)
		if err != nil {
			return err
		}
		for _, b := range bars {
			byInstrument[b.Instrument] = append(byInstrument[b.Instrument], b)
		}
	}
	if len(byInstrument) == 0 {
		return fmt.Errorf("no bars in %s", input)
	}

	dst, err := backends.OpenMarketData(ctx, cfg.Storage, true)
	if err != nil {
		return err
	}
	defer dst.Close()
	logger.Info("ingest target", zap.String("backend", dst.Backend))

	calc := indicator.NewCalculator(nil)
	keys := indicator.DefaultKeys()
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for inst, bars := range byInstrument {
		g.Go(func() error {
			return ingestInstrument(gctx, logger, dst, calc, keys, inst, bars, withIndicators)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("ingest complete",
		zap.Int("files", len(files)),
		zap.Int("instruments", len(byInstrument)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func ingestInstrument(ctx context.Context, logger *zap.Logger, dst *backends.MarketData, calc *indicator.Calculator, keys []domain.IndicatorKey, inst string, bars []*domain.Bar, withIndicators bool) error {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	if err := dst.Bars.InsertBulk(ctx, bars); err != nil {
		return fmt.Errorf("store bars %s: %w", inst, err)
	}

	var stored int
	if withIndicators {
		series := make([]domain.Bar, len(bars))
		for i, b := range bars {
			series[i] = *b
		}
		values, err := calc.Compute(series, keys)
		if err != nil {
			return fmt.Errorf("compute indicators %s: %w", inst, err)
		}
		if len(values) > 0 {
			if err := dst.Indicators.InsertBulk(ctx, values); err != nil {
				return fmt.Errorf("store indicators %s: %w", inst, err)
			}
		}
		stored = len(values)
	}

	observability.RecordIngest(len(bars), stored)
	logger.Debug("instrument ingested",
		zap.String("instrument", inst),
		zap.Int("bars", len(bars)),
		zap.Int("indicator_values", stored),
	)
	return nil
}

// inputFiles expands a directory into its .parquet files.
func inputFiles(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".parquet") {
			files = append(files, filepath.Join(input, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
