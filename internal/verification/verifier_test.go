package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"krx-trend-lab/internal/backtest"
	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/marketfilter"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/storage/memory"
)

const testInstrument = "005930"

var day0 = domain.MustDate("2024-01-01")

func day(i int) time.Time {
	return day0.AddDate(0, 0, i)
}

// loadScenario stores 60 days: flat until a breakout on day 20, a rise
// through day 39, and a close under the 60-day average on day 40.
func loadScenario(t *testing.T) (*memory.BarStore, *memory.IndicatorStore) {
	t.Helper()
	bars := memory.NewBarStore()
	indicators := memory.NewIndicatorStore()

	set := func(i int, ma20, ma60, ma120, high float64) {
		indicators.Set(testInstrument, day(i), domain.Key(domain.KindSMA, 20), ma20)
		indicators.Set(testInstrument, day(i), domain.Key(domain.KindSMA, 60), ma60)
		indicators.Set(testInstrument, day(i), domain.Key(domain.KindSMA, 120), ma120)
		indicators.Set(testInstrument, day(i), domain.Key(domain.KindHigh, 20), high)
		indicators.Set(testInstrument, day(i), domain.Key(domain.KindATR, 20), 2)
	}

	var all []*domain.Bar
	for i := 0; i < 60; i++ {
		all = append(all, &domain.Bar{Instrument: domain.DefaultCalendar, Date: day(i), Open: 2500, High: 2510, Low: 2490, Close: 2500})

		var o, h, l, c float64
		switch {
		case i < 20:
			o, h, l, c = 100, 101, 99, 100
			set(i, 100, 100, 100, 101)
		case i == 20:
			o, h, l, c = 101, 113, 100, 112
			set(i, 110, 105, 100, 101)
		case i < 40:
			c = 112 + float64(i-20)
			o, h, l = c-0.5, c+0.5, c-1
			set(i, c-2, c-5, c-10, c+0.5)
		case i == 40:
			o, h, l, c = 132, 132.5, 129, 130
			set(i, 132, 131, 125, 133)
		default:
			o, h, l, c = 130, 131, 129, 130
			set(i, 130, 130, 130, 132)
		}
		all = append(all, &domain.Bar{Instrument: testInstrument, Date: day(i), Open: o, High: h, Low: l, Close: c, Volume: 1000})
	}
	if err := bars.InsertBulk(context.Background(), all); err != nil {
		t.Fatalf("insert bars: %v", err)
	}
	return bars, indicators
}

// storeRun runs the scenario once and persists it.
func storeRun(t *testing.T, bars *memory.BarStore, indicators *memory.IndicatorStore) (*memory.RunRepository, string) {
	t.Helper()
	repo := memory.NewRunRepository()
	e, err := backtest.NewEngine(backtest.Options{
		Run: domain.BacktestRun{
			StrategyID:     "sma",
			StartDate:      day(0),
			EndDate:        day(59),
			Universe:       []string{testInstrument},
			InitialCapital: 10_000_000,
			RiskPerTrade:   0.01,
		},
		Bars:       bars,
		Indicators: indicators,
		Filters:    marketfilter.AllowAll{},
		Repository: repo,
		Metrics:    observability.NewMetrics("test", prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 stored trade, got %d", len(res.Trades))
	}
	return repo, res.Run.RunID
}

func TestCompareTrades_ExactMatch(t *testing.T) {
	trade := domain.Trade{
		TradeID:     "t1",
		Instrument:  testInstrument,
		EntryDate:   day(20),
		EntryPrice:  112,
		Shares:      20000,
		InitialStop: 107,
		ExitDate:    day(40),
		ExitPrice:   130,
		ExitReason:  domain.ExitMA,
		PnL:         360000,
		RMultiple:   3.6,
		HoldingDays: 20,
	}
	replayed := trade

	if d := CompareTrades(&trade, &replayed); len(d) != 0 {
		t.Errorf("Expected 0 divergences, got %d: %v", len(d), d)
	}
}

func TestCompareTrades_Divergences(t *testing.T) {
	base := domain.Trade{TradeID: "t1", EntryDate: day(1), ExitDate: day(5), ExitPrice: 100, PnL: 1_000_000, ExitReason: domain.ExitMA}

	tests := []struct {
		name   string
		mutate func(*domain.Trade)
		field  string
	}{
		{"exit price", func(tr *domain.Trade) { tr.ExitPrice = 100.01 }, "ExitPrice"},
		{"exit date", func(tr *domain.Trade) { tr.ExitDate = day(6) }, "ExitDate"},
		{"reason", func(tr *domain.Trade) { tr.ExitReason = domain.ExitStopLoss }, "ExitReason"},
		{"shares", func(tr *domain.Trade) { tr.Shares = 1 }, "Shares"},
		{"pnl", func(tr *domain.Trade) { tr.PnL += 1 }, "PnL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replayed := base
			tt.mutate(&replayed)
			d := CompareTrades(&base, &replayed)
			if len(d) != 1 || d[0].Field != tt.field {
				t.Errorf("expected single %s divergence, got %v", tt.field, d)
			}
		})
	}
}

func TestCompareTrades_ToleranceScalesWithAmount(t *testing.T) {
	a := domain.Trade{PnL: 1_234_567_890}
	b := a
	b.PnL += 1e-3 // well inside relative tolerance for a billion-won amount

	if d := CompareTrades(&a, &b); len(d) != 0 {
		t.Errorf("expected match within tolerance, got %v", d)
	}
}

func TestVerifier_StoredRunReproduces(t *testing.T) {
	bars, indicators := loadScenario(t)
	repo, runID := storeRun(t, bars, indicators)

	v := NewVerifier(Options{Bars: bars, Indicators: indicators, Filters: marketfilter.AllowAll{}})
	report, err := v.VerifyStored(context.Background(), repo, runID)
	if err != nil {
		t.Fatalf("VerifyStored: %v", err)
	}
	if !report.Match() {
		t.Fatalf("expected match, got %+v", report)
	}
	if report.MatchedTrades != 1 {
		t.Errorf("MatchedTrades: got %d, want 1", report.MatchedTrades)
	}
}

func TestVerifier_DetectsTamperedRun(t *testing.T) {
	bars, indicators := loadScenario(t)
	repo, runID := storeRun(t, bars, indicators)
	ctx := context.Background()

	run, _ := repo.GetRun(ctx, runID)
	trades, _ := repo.GetTrades(ctx, runID)
	stats, _ := repo.GetStats(ctx, runID)

	trades[0].ExitPrice += 5
	stats.FinalEquity += 100_000

	v := NewVerifier(Options{Bars: bars, Indicators: indicators, Filters: marketfilter.AllowAll{}})
	report, err := v.VerifyRun(ctx, &domain.RunRecord{Run: *run, Trades: trades, Stats: *stats})
	if err != nil {
		t.Fatalf("VerifyRun: %v", err)
	}
	if report.Match() {
		t.Fatal("tampered run must not match")
	}
	if report.DivergentTrades != 1 {
		t.Errorf("DivergentTrades: got %d, want 1", report.DivergentTrades)
	}
	if got := report.Results[0].Divergences[0].Field; got != "ExitPrice" {
		t.Errorf("divergent field: got %s", got)
	}
}

func TestVerifier_ExtraStoredTrade(t *testing.T) {
	bars, indicators := loadScenario(t)
	repo, runID := storeRun(t, bars, indicators)
	ctx := context.Background()

	run, _ := repo.GetRun(ctx, runID)
	trades, _ := repo.GetTrades(ctx, runID)
	stats, _ := repo.GetStats(ctx, runID)
	trades = append(trades, domain.Trade{TradeID: "phantom"})

	report, err := NewVerifier(Options{Bars: bars, Indicators: indicators, Filters: marketfilter.AllowAll{}}).
		VerifyRun(ctx, &domain.RunRecord{Run: *run, Trades: trades, Stats: *stats})
	if err != nil {
		t.Fatalf("VerifyRun: %v", err)
	}
	if report.Match() || report.StoredTrades != 2 || report.ReplayedTrades != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestVerifier_UnknownRun(t *testing.T) {
	v := NewVerifier(Options{Bars: memory.NewBarStore(), Indicators: memory.NewIndicatorStore(), Filters: marketfilter.AllowAll{}})
	_, err := v.VerifyStored(context.Background(), memory.NewRunRepository(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}
