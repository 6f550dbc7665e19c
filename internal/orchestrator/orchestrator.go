// Package orchestrator runs a grid of backtests over one data set.
// It coordinates: grid expansion → engine runs → comparison
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"krx-trend-lab/internal/backtest"
	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/marketfilter"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/result"
	"krx-trend-lab/internal/risk"
	"krx-trend-lab/internal/storage"
)

// ErrEmptyGrid is returned when no strategy is configured.
var ErrEmptyGrid = errors.New("empty sweep grid")

// DefaultParallel bounds concurrently running engines.
const DefaultParallel = 2

// Cell is one point of the sweep grid.
type Cell struct {
	StrategyID   string
	RiskPerTrade float64
}

func (c Cell) String() string {
	return fmt.Sprintf("%s/risk=%.4f", c.StrategyID, c.RiskPerTrade)
}

// Options for creating Orchestrator.
type Options struct {
	// Base is the shared run definition. StrategyID and RiskPerTrade are
	// replaced per cell.
	Base domain.BacktestRun

	Strategies    []string
	RiskFractions []float64 // empty: Base.RiskPerTrade only

	// Required stores
	Bars       storage.BarStore
	Indicators storage.IndicatorStore
	Filters    marketfilter.Selector // resolves each cell's entry filter

	Risk   risk.Config
	Policy *backtest.Policy

	// Optional persistence
	Repository storage.RunRepository
	Overwrite  bool

	Parallel    int // engines run at once
	Concurrency int // per-engine entry evaluation
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Orchestrator coordinates the sweep execution.
type Orchestrator struct {
	opts   Options
	logger *zap.Logger
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Parallel <= 0 {
		opts.Parallel = DefaultParallel
	}
	return &Orchestrator{opts: opts, logger: logger.Named("sweep")}
}

// RunResult contains results from orchestrator execution.
type RunResult struct {
	Cells    []Cell
	Results  []*result.Result // successful cells, grid order
	Failed   int
	Errors   []string
	Duration time.Duration
}

// Grid expands strategies × risk fractions in input order.
func (o *Orchestrator) Grid() []Cell {
	fractions := o.opts.RiskFractions
	if len(fractions) == 0 {
		fractions = []float64{o.opts.Base.RiskPerTrade}
	}
	cells := make([]Cell, 0, len(o.opts.Strategies)*len(fractions))
	for _, s := range o.opts.Strategies {
		for _, f := range fractions {
			cells = append(cells, Cell{StrategyID: s, RiskPerTrade: f})
		}
	}
	return cells
}

// Run executes every grid cell.
// Phases:
//  1. Expand the grid
//  2. Run each cell on its own engine, at most Parallel at once
//  3. Collect results in grid order
//
// A failing cell is recorded in Errors and does not stop the others.
// A persistence failure keeps the cell's result and is also recorded.
// Context cancellation aborts the sweep.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	started := time.Now()

	// Phase 1: Grid
	cells := o.Grid()
	if len(cells) == 0 {
		return nil, ErrEmptyGrid
	}
	o.logger.Info("starting sweep", zap.Int("cells", len(cells)), zap.Int("parallel", o.opts.Parallel))

	// Phase 2: Runs
	results := make([]*result.Result, len(cells))
	errs := make([]error, len(cells))

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Parallel)
	for i, cell := range cells {
		g.Go(func() error {
			res, err := o.runCell(gctx, cell)
			results[i], errs[i] = res, err

			mu.Lock()
			done++
			o.logger.Debug("cell finished", zap.Stringer("cell", cell), zap.Int("done", done), zap.Error(err))
			mu.Unlock()

			// only cancellation stops the sweep
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sweep cancelled: %w", err)
	}

	// Phase 3: Collect
	out := &RunResult{Cells: cells}
	for i, cell := range cells {
		if errs[i] != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", cell, errs[i]))
			if results[i] == nil {
				out.Failed++
			}
		}
		if results[i] != nil {
			out.Results = append(out.Results, results[i])
		}
	}
	sort.Strings(out.Errors)
	out.Duration = time.Since(started)

	o.logger.Info("sweep completed",
		zap.Int("cells", len(cells)),
		zap.Int("succeeded", len(out.Results)),
		zap.Int("failed", out.Failed),
		zap.Duration("elapsed", out.Duration),
	)
	return out, nil
}

func (o *Orchestrator) runCell(ctx context.Context, cell Cell) (*result.Result, error) {
	run := o.opts.Base
	run.RunID = ""
	run.StrategyID = cell.StrategyID
	run.RiskPerTrade = cell.RiskPerTrade
	run.Universe = append([]string(nil), o.opts.Base.Universe...)

	engine, err := backtest.NewEngine(backtest.Options{
		Run:         run,
		Bars:        o.opts.Bars,
		Indicators:  o.opts.Indicators,
		Filters:     o.opts.Filters,
		Risk:        o.opts.Risk,
		Policy:      o.opts.Policy,
		Repository:  o.opts.Repository,
		Overwrite:   o.opts.Overwrite,
		Logger:      o.logger,
		Metrics:     o.opts.Metrics,
		Concurrency: o.opts.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx)
}
