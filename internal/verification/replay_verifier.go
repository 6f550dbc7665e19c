package verification

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"krx-trend-lab/internal/backtest"
	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/marketfilter"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/risk"
	"krx-trend-lab/internal/storage"
)

// ErrRunNotFound is returned when the run ID doesn't exist.
var ErrRunNotFound = errors.New("run not found")

// Verifier re-executes stored runs against the same market data.
type Verifier struct {
	bars       storage.BarStore
	indicators storage.IndicatorStore
	filters    marketfilter.Selector
	risk       risk.Config
	policy     *backtest.Policy
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// Options contains configuration for creating a Verifier.
// Risk and Policy must match the settings the stored run used.
type Options struct {
	Bars       storage.BarStore
	Indicators storage.IndicatorStore
	Filters    marketfilter.Selector
	Risk       risk.Config
	Policy     *backtest.Policy
	Logger     *zap.Logger

	// Metrics defaults to a private registry so replays do not count as runs.
	Metrics *observability.Metrics
}

// NewVerifier creates a new Verifier.
func NewVerifier(opts Options) *Verifier {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = observability.NewMetrics("", prometheus.NewRegistry())
	}
	return &Verifier{
		bars:       opts.Bars,
		indicators: opts.Indicators,
		filters:    opts.Filters,
		risk:       opts.Risk,
		policy:     opts.Policy,
		logger:     logger,
		metrics:    m,
	}
}

// VerifyRun replays stored.Run and compares the trade log and final equity.
// Steps:
//  1. Build an engine for the stored definition, keeping its run ID
//  2. Run without persistence
//  3. Compare trades pairwise in close order
//  4. Compare final equity
func (v *Verifier) VerifyRun(ctx context.Context, stored *domain.RunRecord) (*Report, error) {
	if stored == nil {
		return nil, storage.ErrInvalidInput
	}

	// 1. Build an engine
	engine, err := backtest.NewEngine(backtest.Options{
		Run:        stored.Run,
		Bars:       v.bars,
		Indicators: v.indicators,
		Filters:    v.filters,
		Risk:       v.risk,
		Policy:     v.policy,
		Logger:     v.logger.Named("replay"),
		Metrics:    v.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build replay engine: %w", err)
	}

	// 2. Run
	replayed, err := engine.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay run %s: %w", stored.Run.RunID, err)
	}

	report := &Report{
		RunID:               stored.Run.RunID,
		StoredTrades:        len(stored.Trades),
		ReplayedTrades:      len(replayed.Trades),
		StoredFinalEquity:   stored.Stats.FinalEquity,
		ReplayedFinalEquity: replayed.FinalEquity,
	}

	// 3. Compare trades
	n := max(len(stored.Trades), len(replayed.Trades))
	for i := range n {
		res := TradeResult{Index: i}
		switch {
		case i >= len(replayed.Trades):
			res.TradeID = stored.Trades[i].TradeID
			res.Divergences = []Divergence{{Field: "Trade", Expected: stored.Trades[i].TradeID, Actual: nil}}
		case i >= len(stored.Trades):
			res.Divergences = []Divergence{{Field: "Trade", Expected: nil, Actual: replayed.Trades[i].TradeID}}
		default:
			res.TradeID = stored.Trades[i].TradeID
			res.Divergences = CompareTrades(&stored.Trades[i], &replayed.Trades[i])
		}
		res.Match = len(res.Divergences) == 0
		if res.Match {
			report.MatchedTrades++
		} else {
			report.DivergentTrades++
		}
		report.Results = append(report.Results, res)
	}

	// 4. Final equity
	if !report.Match() {
		v.logger.Warn("replay diverged",
			zap.String("run_id", report.RunID),
			zap.Int("divergent_trades", report.DivergentTrades),
			zap.Float64("stored_equity", report.StoredFinalEquity),
			zap.Float64("replayed_equity", report.ReplayedFinalEquity),
		)
	}
	return report, nil
}

// VerifyStored loads runID from repo and verifies it.
func (v *Verifier) VerifyStored(ctx context.Context, repo storage.RunRepository, runID string) (*Report, error) {
	run, err := repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	trades, err := repo.GetTrades(ctx, runID)
	if err != nil {
		return nil, err
	}
	stats, err := repo.GetStats(ctx, runID)
	if err != nil {
		return nil, err
	}
	return v.VerifyRun(ctx, &domain.RunRecord{Run: *run, Trades: trades, Stats: *stats})
}
