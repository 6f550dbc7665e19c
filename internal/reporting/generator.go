package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/result"
	"krx-trend-lab/internal/storage"
)

// Generator produces reports from stored runs.
type Generator struct {
	runs storage.RunRepository
	now  func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator.
func NewGenerator(runs storage.RunRepository) *Generator {
	return &Generator{
		runs: runs,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate loads one stored run and builds its report.
// Returns storage.ErrNotFound if the run does not exist.
func (g *Generator) Generate(ctx context.Context, runID string) (*Report, error) {
	run, err := g.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	trades, err := g.runs.GetTrades(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	positions, err := g.runs.GetOpenPositions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	daily, err := g.runs.GetDailyRecords(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load daily records: %w", err)
	}
	stats, err := g.runs.GetStats(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}

	return build(g.now(), &domain.RunRecord{
		Run:           *run,
		Trades:        trades,
		OpenPositions: positions,
		Daily:         daily,
		Stats:         *stats,
	}), nil
}

// Compare builds a comparison of the given runs, or of every stored run
// when runIDs is empty.
func (g *Generator) Compare(ctx context.Context, runIDs ...string) (*Comparison, error) {
	var runs []*domain.BacktestRun
	if len(runIDs) == 0 {
		all, err := g.runs.ListRuns(ctx)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = all
	} else {
		for _, id := range runIDs {
			run, err := g.runs.GetRun(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load run %s: %w", id, err)
			}
			runs = append(runs, run)
		}
	}

	rows := make([]ComparisonRow, 0, len(runs))
	for _, run := range runs {
		stats, err := g.runs.GetStats(ctx, run.RunID)
		if err != nil {
			return nil, fmt.Errorf("load stats for %s: %w", run.RunID, err)
		}
		rows = append(rows, comparisonRow(run, stats))
	}

	sortRows(rows)
	return &Comparison{GeneratedAt: g.now(), Rows: rows}, nil
}

// CompareResults builds a comparison of in-memory results.
func CompareResults(now time.Time, results ...*result.Result) *Comparison {
	rows := make([]ComparisonRow, 0, len(results))
	for _, res := range results {
		rows = append(rows, comparisonRow(&res.Run, &res.Stats))
	}
	sortRows(rows)
	return &Comparison{GeneratedAt: now, Rows: rows}
}

// sortRows orders by (strategy_id, start_date, run_id).
func sortRows(rows []ComparisonRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.StrategyID != b.StrategyID {
			return a.StrategyID < b.StrategyID
		}
		if !a.StartDate.Equal(b.StartDate) {
			return a.StartDate.Before(b.StartDate)
		}
		return a.RunID < b.RunID
	})
}

// FromResult builds a report for an in-memory result, without a repository.
func FromResult(res *result.Result, now time.Time) *Report {
	return build(now, res.Record())
}

func build(now time.Time, rec *domain.RunRecord) *Report {
	return &Report{
		GeneratedAt:   now,
		Run:           rec.Run,
		Stats:         rec.Stats,
		Trades:        rec.Trades,
		OpenPositions: rec.OpenPositions,
		Daily:         rec.Daily,
		ExitReasons:   exitReasonRows(rec.Trades),
		Instruments:   instrumentRows(rec.Trades),
	}
}

func comparisonRow(run *domain.BacktestRun, s *domain.RunStats) ComparisonRow {
	return ComparisonRow{
		RunID:          run.RunID,
		StrategyID:     run.StrategyID,
		StartDate:      run.StartDate,
		EndDate:        run.EndDate,
		Instruments:    len(run.Universe),
		TotalTrades:    s.TotalTrades,
		WinRate:        s.WinRate,
		TotalReturn:    s.TotalReturn,
		CAGR:           s.CAGR,
		MaxDrawdownPct: s.MaxDrawdownPct,
		SharpeRatio:    s.SharpeRatio,
		ProfitFactor:   s.ProfitFactor,
	}
}

// exitReasonRows groups trades by exit reason.
func exitReasonRows(trades []domain.Trade) []ExitReasonRow {
	byReason := make(map[domain.ExitReason]*ExitReasonRow)
	for _, t := range trades {
		row := byReason[t.ExitReason]
		if row == nil {
			row = &ExitReasonRow{Reason: t.ExitReason}
			byReason[t.ExitReason] = row
		}
		row.Trades++
		row.TotalPnL += t.PnL
		row.AvgRMultiple += t.RMultiple
	}

	rows := make([]ExitReasonRow, 0, len(byReason))
	for _, row := range byReason {
		row.AvgRMultiple /= float64(row.Trades)
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Reason < rows[j].Reason
	})
	return rows
}

// instrumentRows groups trades by instrument.
func instrumentRows(trades []domain.Trade) []InstrumentRow {
	byInst := make(map[string]*InstrumentRow)
	for _, t := range trades {
		row := byInst[t.Instrument]
		if row == nil {
			row = &InstrumentRow{Instrument: t.Instrument}
			byInst[t.Instrument] = row
		}
		row.Trades++
		row.TotalPnL += t.PnL
		if t.IsWin() {
			row.Wins++
		}
	}

	rows := make([]InstrumentRow, 0, len(byInst))
	for _, row := range byInst {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Instrument < rows[j].Instrument
	})
	return rows
}
