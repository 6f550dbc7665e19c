// Package reporting renders backtest runs as CSV and Markdown.
package reporting

import (
	"time"

	"krx-trend-lab/internal/domain"
)

// Report is everything rendered for one run.
type Report struct {
	GeneratedAt time.Time

	Run           domain.BacktestRun
	Stats         domain.RunStats
	Trades        []domain.Trade       // close order
	OpenPositions []domain.Position    // open at cutoff
	Daily         []domain.DailyRecord // ascending date

	// Breakdowns (sorted by key)
	ExitReasons []ExitReasonRow
	Instruments []InstrumentRow
}

// ExitReasonRow summarizes trades closed for one reason.
type ExitReasonRow struct {
	Reason       domain.ExitReason
	Trades       int
	TotalPnL     float64
	AvgRMultiple float64
}

// InstrumentRow summarizes trades in one instrument.
type InstrumentRow struct {
	Instrument string
	Trades     int
	Wins       int
	TotalPnL   float64
}

// Comparison lines up several runs side by side.
type Comparison struct {
	GeneratedAt time.Time
	Rows        []ComparisonRow // sorted by strategy_id, start_date, run_id
}

// ComparisonRow is one run in a Comparison.
type ComparisonRow struct {
	RunID          string
	StrategyID     string
	StartDate      time.Time
	EndDate        time.Time
	Instruments    int
	TotalTrades    int
	WinRate        float64
	TotalReturn    float64
	CAGR           float64
	MaxDrawdownPct float64
	SharpeRatio    float64
	ProfitFactor   float64
}
