// Package result turns a finished portfolio into run statistics and persists it.
package result

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/metrics"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/storage"
)

// ErrNoRepository is returned by Persist when the builder has no repository.
var ErrNoRepository = errors.New("no run repository configured")

// Result is the complete in-memory outcome of one run.
type Result struct {
	Run           domain.BacktestRun
	FinalEquity   float64
	FinalCash     float64
	Trades        []domain.Trade       // close order
	OpenPositions []domain.Position    // open at cutoff, ascending instrument
	Daily         []domain.DailyRecord // one per trading date
	Stats         domain.RunStats
	Skipped       map[string]int // entry skips by reason
}

// Build assembles a Result from the final portfolio state and equity curve.
func Build(run domain.BacktestRun, state domain.PortfolioState, daily []domain.DailyRecord) *Result {
	open := make([]domain.Position, 0, len(state.Positions))
	for _, p := range state.Positions {
		open = append(open, p)
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].Instrument < open[j].Instrument
	})

	trades := append([]domain.Trade(nil), state.Trades...)
	curve := append([]domain.DailyRecord(nil), daily...)

	return &Result{
		Run:           run,
		FinalEquity:   state.Equity,
		FinalCash:     state.Cash,
		Trades:        trades,
		OpenPositions: open,
		Daily:         curve,
		Stats:         metrics.Compute(run, state.Equity, trades, curve),
		Skipped:       make(map[string]int),
	}
}

// Record converts the result into its persisted form.
func (r *Result) Record() *domain.RunRecord {
	return &domain.RunRecord{
		Run:           r.Run,
		Trades:        r.Trades,
		OpenPositions: r.OpenPositions,
		Daily:         r.Daily,
		Stats:         r.Stats,
	}
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	Repository storage.RunRepository
	// Overwrite replaces a run already stored under the same run ID.
	// Run IDs are deterministic, so a rerun of the same definition collides.
	Overwrite bool
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Builder persists results.
type Builder struct {
	repo      storage.RunRepository
	overwrite bool
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewBuilder creates a new Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = observability.DefaultMetrics
	}
	return &Builder{
		repo:      opts.Repository,
		overwrite: opts.Overwrite,
		logger:    logger,
		metrics:   m,
	}
}

// Persist writes the run definition, trades, open positions, equity curve
// and stats under the run ID. With Overwrite set, an existing run is
// deleted first.
func (b *Builder) Persist(ctx context.Context, r *Result) error {
	if b.repo == nil {
		return ErrNoRepository
	}

	start := time.Now()
	rec := r.Record()
	err := b.repo.SaveRun(ctx, rec)
	if errors.Is(err, storage.ErrDuplicateKey) && b.overwrite {
		b.logger.Info("replacing stored run", zap.String("run_id", r.Run.RunID))
		if err = b.repo.DeleteRun(ctx, r.Run.RunID); err == nil {
			err = b.repo.SaveRun(ctx, rec)
		}
	}
	b.metrics.RecordDBQuery("repository", "save_run", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.Run.RunID, err)
	}

	b.logger.Info("run persisted",
		zap.String("run_id", r.Run.RunID),
		zap.Int("trades", len(r.Trades)),
		zap.Int("open_positions", len(r.OpenPositions)),
		zap.Int("days", len(r.Daily)),
	)
	return nil
}
