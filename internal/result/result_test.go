package result

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/storage"
	"krx-trend-lab/internal/storage/memory"
)

func testResult() *Result {
	run := domain.BacktestRun{
		RunID:          "run-1",
		StrategyID:     "sma",
		StartDate:      domain.MustDate("2024-01-02"),
		EndDate:        domain.MustDate("2024-01-05"),
		Universe:       []string{"A", "B"},
		InitialCapital: 1_000_000,
		RiskPerTrade:   0.01,
	}
	state := domain.PortfolioState{
		Cash:   900_000,
		Equity: 1_050_000,
		Positions: map[string]domain.Position{
			"B": {Instrument: "B", Shares: 10, LastClose: 15_000},
			"A": {Instrument: "A", Shares: 1, LastClose: 0},
		},
		Trades: []domain.Trade{
			{TradeID: "t1", RunID: "run-1", Instrument: "C", PnL: 50_000, ExitDate: domain.MustDate("2024-01-04")},
		},
	}
	daily := []domain.DailyRecord{
		{Date: domain.MustDate("2024-01-02"), Equity: 1_000_000},
		{Date: domain.MustDate("2024-01-05"), Equity: 1_050_000},
	}
	return Build(run, state, daily)
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics("test", prometheus.NewRegistry())
}

func TestBuild(t *testing.T) {
	r := testResult()
	if r.FinalEquity != 1_050_000 || r.FinalCash != 900_000 {
		t.Errorf("unexpected final values %v/%v", r.FinalEquity, r.FinalCash)
	}
	if len(r.OpenPositions) != 2 || r.OpenPositions[0].Instrument != "A" {
		t.Errorf("open positions not sorted: %v", r.OpenPositions)
	}
	if r.Stats.TotalTrades != 1 || r.Stats.Wins != 1 || r.Stats.RunID != "run-1" {
		t.Errorf("unexpected stats %+v", r.Stats)
	}
}

func TestPersist(t *testing.T) {
	repo := memory.NewRunRepository()
	b := NewBuilder(BuilderOptions{Repository: repo, Metrics: testMetrics()})
	ctx := context.Background()

	if err := b.Persist(ctx, testResult()); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	trades, err := repo.GetTrades(ctx, "run-1")
	if err != nil || len(trades) != 1 {
		t.Fatalf("GetTrades = %v, %v", trades, err)
	}
	stats, err := repo.GetStats(ctx, "run-1")
	if err != nil || stats.TotalTrades != 1 {
		t.Fatalf("GetStats = %+v, %v", stats, err)
	}

	// second save without overwrite collides
	if err := b.Persist(ctx, testResult()); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestPersist_Overwrite(t *testing.T) {
	repo := memory.NewRunRepository()
	b := NewBuilder(BuilderOptions{Repository: repo, Overwrite: true, Metrics: testMetrics()})
	ctx := context.Background()

	if err := b.Persist(ctx, testResult()); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := b.Persist(ctx, testResult()); err != nil {
		t.Fatalf("Persist overwrite: %v", err)
	}
	runs, _ := repo.ListRuns(ctx)
	if len(runs) != 1 {
		t.Errorf("runs = %d, want 1", len(runs))
	}
}

func TestPersist_NoRepository(t *testing.T) {
	b := NewBuilder(BuilderOptions{Metrics: testMetrics()})
	if err := b.Persist(context.Background(), testResult()); !errors.Is(err, ErrNoRepository) {
		t.Errorf("expected ErrNoRepository, got %v", err)
	}
}
