package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/marketfilter"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/storage/memory"
	"krx-trend-lab/internal/strategy"
)

const testInstrument = "005930"

var day0 = domain.MustDate("2024-01-01")

func day(i int) time.Time {
	return day0.AddDate(0, 0, i)
}

// setupStores stores 40 days with an SMA breakout on day 20 that rises
// until the last day, where the position is force closed.
func setupStores(t *testing.T) (*memory.BarStore, *memory.IndicatorStore) {
	t.Helper()
	bars := memory.NewBarStore()
	indicators := memory.NewIndicatorStore()

	var all []*domain.Bar
	for i := 0; i < 40; i++ {
		all = append(all, &domain.Bar{Instrument: domain.DefaultCalendar, Date: day(i), Open: 2500, High: 2510, Low: 2490, Close: 2500})

		c := 100.0
		ma20, ma60, ma120, high := 100.0, 100.0, 100.0, 101.0
		if i >= 20 {
			c = 112 + float64(i-20)
			ma20, ma60, ma120, high = c-2, c-5, c-10, 101
			if i > 20 {
				high = c + 0.5
			}
		}
		all = append(all, &domain.Bar{Instrument: testInstrument, Date: day(i), Open: c - 0.5, High: c + 0.5, Low: c - 1, Close: c, Volume: 1000})

		indicators.Set(testInstrument, day(i), domain.Key(domain.KindSMA, 20), ma20)
		indicators.Set(testInstrument, day(i), domain.Key(domain.KindSMA, 60), ma60)
		indicators.Set(testInstrument, day(i), domain.Key(domain.KindSMA, 120), ma120)
		indicators.Set(testInstrument, day(i), domain.Key(domain.KindHigh, 20), high)
		indicators.Set(testInstrument, day(i), domain.Key(domain.KindATR, 20), 2)
	}
	if err := bars.InsertBulk(context.Background(), all); err != nil {
		t.Fatalf("insert bars: %v", err)
	}
	return bars, indicators
}

func newTestOrchestrator(t *testing.T, strategies []string, fractions []float64, repo *memory.RunRepository) *Orchestrator {
	t.Helper()
	bars, indicators := setupStores(t)
	opts := Options{
		Base: domain.BacktestRun{
			StartDate:      day(0),
			EndDate:        day(39),
			Universe:       []string{testInstrument},
			InitialCapital: 10_000_000,
			RiskPerTrade:   0.01,
		},
		Strategies:    strategies,
		RiskFractions: fractions,
		Bars:          bars,
		Indicators:    indicators,
		Filters:       marketfilter.AllowAll{},
		Metrics:       observability.NewMetrics("test", prometheus.NewRegistry()),
	}
	if repo != nil {
		opts.Repository = repo
	}
	return New(opts)
}

func TestOrchestrator_Grid(t *testing.T) {
	o := newTestOrchestrator(t, []string{"sma", "ema"}, []float64{0.01, 0.005}, nil)

	cells := o.Grid()
	want := []Cell{
		{"sma", 0.01}, {"sma", 0.005},
		{"ema", 0.01}, {"ema", 0.005},
	}
	if len(cells) != len(want) {
		t.Fatalf("expected %d cells, got %d", len(want), len(cells))
	}
	for i := range want {
		if cells[i] != want[i] {
			t.Errorf("cell %d: expected %v, got %v", i, want[i], cells[i])
		}
	}
}

func TestOrchestrator_GridDefaultsToBaseRisk(t *testing.T) {
	o := newTestOrchestrator(t, []string{"sma"}, nil, nil)

	cells := o.Grid()
	if len(cells) != 1 || cells[0].RiskPerTrade != 0.01 {
		t.Fatalf("expected one cell at base risk, got %v", cells)
	}
}

func TestOrchestrator_RunScalesWithRisk(t *testing.T) {
	repo := memory.NewRunRepository()
	o := newTestOrchestrator(t, []string{"sma"}, []float64{0.01, 0.005}, repo)

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Results) != 2 || out.Failed != 0 {
		t.Fatalf("expected 2 results and no failures, got %d results, errors %v", len(out.Results), out.Errors)
	}

	full, half := out.Results[0], out.Results[1]
	if full.Run.RunID == half.Run.RunID {
		t.Fatalf("expected distinct run IDs, both %s", full.Run.RunID)
	}
	if len(full.Trades) != 1 || len(half.Trades) != 1 {
		t.Fatalf("expected one trade per run, got %d and %d", len(full.Trades), len(half.Trades))
	}
	if got, want := half.Trades[0].Shares*2, full.Trades[0].Shares; got != want {
		t.Errorf("expected half-risk run to hold half the shares: %d != %d", got, want)
	}

	stored, err := repo.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("expected 2 persisted runs, got %d", len(stored))
	}
}

// closedIndexMA blocks entries for strategies on the index MA gate.
type closedIndexMA struct {
	mu    sync.Mutex
	gates []string
}

func (c *closedIndexMA) ForStrategy(s strategy.Strategy) marketfilter.Filter {
	gate := strategy.GateOf(s)
	c.mu.Lock()
	c.gates = append(c.gates, gate)
	c.mu.Unlock()
	if gate == strategy.GateIndexMA {
		return blockAll{}
	}
	return marketfilter.AllowAll{}
}

type blockAll struct{}

func (blockAll) IsEntryAllowed(context.Context, time.Time) (bool, error) { return false, nil }

func TestOrchestrator_FilterPerCell(t *testing.T) {
	bars, indicators := setupStores(t)
	sel := &closedIndexMA{}
	o := New(Options{
		Base: domain.BacktestRun{
			StartDate:      day(0),
			EndDate:        day(39),
			Universe:       []string{testInstrument},
			InitialCapital: 10_000_000,
			RiskPerTrade:   0.01,
		},
		Strategies: []string{strategy.IDSMA, strategy.IDTrend},
		Bars:       bars,
		Indicators: indicators,
		Filters:    sel,
		Metrics:    observability.NewMetrics("test", prometheus.NewRegistry()),
	})

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Results) != 2 || out.Failed != 0 {
		t.Fatalf("expected 2 results and no failures, got %d results, errors %v", len(out.Results), out.Errors)
	}
	for _, res := range out.Results {
		if res.Run.StrategyID == strategy.IDSMA && len(res.Trades) != 0 {
			t.Errorf("sma traded %d times through a closed index MA gate", len(res.Trades))
		}
	}

	sort.Strings(sel.gates)
	if len(sel.gates) != 2 || sel.gates[0] != strategy.GateIndexMA || sel.gates[1] != strategy.GateIndexSlope {
		t.Errorf("gates = %v", sel.gates)
	}
}

func TestOrchestrator_FailingCellDoesNotStopSweep(t *testing.T) {
	o := newTestOrchestrator(t, []string{"sma", "nope"}, nil, nil)

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out.Results))
	}
	if out.Failed != 1 || len(out.Errors) != 1 {
		t.Fatalf("expected one failure, got failed=%d errors=%v", out.Failed, out.Errors)
	}
	if !strings.HasPrefix(out.Errors[0], "nope/") {
		t.Errorf("expected error for the unknown strategy, got %q", out.Errors[0])
	}
}

func TestOrchestrator_EmptyGrid(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil, nil)

	if _, err := o.Run(context.Background()); err != ErrEmptyGrid {
		t.Fatalf("expected ErrEmptyGrid, got %v", err)
	}
}

func TestOrchestrator_Cancelled(t *testing.T) {
	o := newTestOrchestrator(t, []string{"sma"}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Run(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
