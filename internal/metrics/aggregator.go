package metrics

import (
	"context"
	"fmt"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

// Aggregator recomputes statistics for stored runs.
type Aggregator struct {
	runs storage.RunRepository
}

// NewAggregator creates a new metrics aggregator.
func NewAggregator(runs storage.RunRepository) *Aggregator {
	return &Aggregator{runs: runs}
}

// ComputeForRun loads a run's trades and equity curve and computes its stats.
// Final equity is the last daily record, or initial capital for an empty curve.
// Returns storage.ErrNotFound if the run does not exist.
func (a *Aggregator) ComputeForRun(ctx context.Context, runID string) (*domain.RunStats, error) {
	run, err := a.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	trades, err := a.runs.GetTrades(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	daily, err := a.runs.GetDailyRecords(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get daily records: %w", err)
	}

	final := run.InitialCapital
	if len(daily) > 0 {
		final = daily[len(daily)-1].Equity
	}

	stats := Compute(*run, final, trades, daily)
	return &stats, nil
}
