package metrics

import (
	"math"
	"testing"

	"krx-trend-lab/internal/domain"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func testRun() domain.BacktestRun {
	return domain.BacktestRun{
		RunID:          "run-1",
		StartDate:      domain.MustDate("2023-01-01"),
		EndDate:        domain.MustDate("2024-01-01"),
		InitialCapital: 1_000_000,
		RiskPerTrade:   0.01,
	}
}

func trade(id, exit string, pnl, r float64, hold int) domain.Trade {
	return domain.Trade{
		TradeID:     id,
		Instrument:  "A",
		ExitDate:    domain.MustDate(exit),
		PnL:         pnl,
		RMultiple:   r,
		HoldingDays: hold,
	}
}

func TestCompute_NoTrades(t *testing.T) {
	stats := Compute(testRun(), 1_000_000, nil, nil)
	if stats.TotalTrades != 0 || stats.WinRate != 0 || stats.ProfitFactor != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.MaxDrawdownDate != nil {
		t.Error("expected no drawdown date")
	}
	if stats.CAGR != 0 {
		t.Errorf("CAGR = %v, want 0", stats.CAGR)
	}
}

func TestCompute_TradeStats(t *testing.T) {
	trades := []domain.Trade{
		trade("t3", "2023-03-01", -5_000, -0.5, 4),
		trade("t1", "2023-01-10", 20_000, 2, 10),
		trade("t2", "2023-02-01", -10_000, -1, 6),
		trade("t4", "2023-04-01", 0, 0, 2),
	}
	stats := Compute(testRun(), 1_005_000, trades, nil)

	if stats.TotalTrades != 4 || stats.Wins != 1 || stats.Losses != 3 {
		t.Errorf("counts = %d/%d/%d", stats.TotalTrades, stats.Wins, stats.Losses)
	}
	if !approx(stats.WinRate, 0.25) {
		t.Errorf("WinRate = %v", stats.WinRate)
	}
	if !approx(stats.TotalPnL, 5_000) {
		t.Errorf("TotalPnL = %v", stats.TotalPnL)
	}
	if !approx(stats.AvgPnL, 1_250) {
		t.Errorf("AvgPnL = %v", stats.AvgPnL)
	}
	if !approx(stats.AvgWin, 20_000) || !approx(stats.AvgLoss, 7_500) {
		t.Errorf("AvgWin/AvgLoss = %v/%v", stats.AvgWin, stats.AvgLoss)
	}
	if !approx(stats.ProfitFactor, 20_000.0/15_000.0) {
		t.Errorf("ProfitFactor = %v", stats.ProfitFactor)
	}
	if !approx(stats.AvgRMultiple, 0.125) {
		t.Errorf("AvgRMultiple = %v", stats.AvgRMultiple)
	}
	if !approx(stats.AvgHoldingDays, 5.5) {
		t.Errorf("AvgHoldingDays = %v", stats.AvgHoldingDays)
	}
	// chronological: win, loss, loss, flat
	if stats.MaxConsecutiveWins != 1 || stats.MaxConsecutiveLosses != 3 {
		t.Errorf("streaks = %d/%d", stats.MaxConsecutiveWins, stats.MaxConsecutiveLosses)
	}
	if !approx(stats.TotalReturn, 0.005) {
		t.Errorf("TotalReturn = %v", stats.TotalReturn)
	}
}

func TestCompute_ProfitFactorWithoutLosses(t *testing.T) {
	stats := Compute(testRun(), 1_010_000, []domain.Trade{trade("t1", "2023-01-10", 10_000, 1, 3)}, nil)
	if stats.ProfitFactor != 0 {
		t.Errorf("ProfitFactor = %v, want 0", stats.ProfitFactor)
	}
}

func TestComputeCAGR(t *testing.T) {
	// 2023 is 365 days: one full year
	got := computeCAGR(1_000_000, 1_100_000, domain.MustDate("2023-01-01"), domain.MustDate("2024-01-01"))
	if !approx(got, 0.1) {
		t.Errorf("CAGR = %v, want 0.1", got)
	}
	if computeCAGR(1_000_000, 0, domain.MustDate("2023-01-01"), domain.MustDate("2024-01-01")) != 0 {
		t.Error("non-positive final equity must yield 0")
	}
}

func TestComputeMaxDrawdown(t *testing.T) {
	daily := []domain.DailyRecord{
		{Date: domain.MustDate("2023-01-02"), Equity: 1_000_000},
		{Date: domain.MustDate("2023-01-03"), Equity: 1_200_000},
		{Date: domain.MustDate("2023-01-04"), Equity: 900_000},
		{Date: domain.MustDate("2023-01-05"), Equity: 1_300_000},
		{Date: domain.MustDate("2023-01-06"), Equity: 1_100_000},
	}
	amount, pct, date := computeMaxDrawdown(1_000_000, daily)
	if !approx(amount, 300_000) || !approx(pct, 0.25) {
		t.Errorf("drawdown = %v / %v", amount, pct)
	}
	if date == nil || !date.Equal(domain.MustDate("2023-01-04")) {
		t.Errorf("date = %v", date)
	}
}

func TestComputeMaxDrawdown_PeakStartsAtCapital(t *testing.T) {
	daily := []domain.DailyRecord{
		{Date: domain.MustDate("2023-01-02"), Equity: 950_000},
	}
	amount, pct, _ := computeMaxDrawdown(1_000_000, daily)
	if !approx(amount, 50_000) || !approx(pct, 0.05) {
		t.Errorf("drawdown = %v / %v", amount, pct)
	}
}

func TestComputeSharpe(t *testing.T) {
	if computeSharpe(nil) != 0 {
		t.Error("empty curve must yield 0")
	}
	flat := []domain.DailyRecord{{Equity: 100}, {Equity: 100}, {Equity: 100}}
	if computeSharpe(flat) != 0 {
		t.Error("zero volatility must yield 0")
	}

	curve := []domain.DailyRecord{{Equity: 100}, {Equity: 101}, {Equity: 100.5}, {Equity: 102}}
	returns := []float64{0.01, -0.5 / 101, 1.5 / 100.5}
	mean := computeMean(returns)
	std := computeStddev(returns, mean)
	want := (mean*252 - 0.03) / (std * math.Sqrt(252))
	if got := computeSharpe(curve); !approx(got, want) {
		t.Errorf("Sharpe = %v, want %v", got, want)
	}
}

func TestComputeStddev_Sample(t *testing.T) {
	v := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	mean := computeMean(v)
	// population stddev is 2; sample uses n-1
	want := math.Sqrt(32.0 / 7.0)
	if got := computeStddev(v, mean); !approx(got, want) {
		t.Errorf("stddev = %v, want %v", got, want)
	}
}
