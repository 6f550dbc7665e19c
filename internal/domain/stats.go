package domain

import "time"

// RunStats summarizes a completed run.
// Ratios are fractions (0.05 = 5%), amounts are KRW.
type RunStats struct {
	RunID string

	// Capital
	InitialCapital float64
	FinalEquity    float64
	TotalPnL       float64
	TotalReturn    float64
	CAGR           float64

	// Trades
	TotalTrades  int
	Wins         int
	Losses       int
	WinRate      float64
	AvgPnL       float64
	AvgWin       float64
	AvgLoss      float64 // positive magnitude
	ProfitFactor float64 // gross wins / gross losses, 0 without losses
	AvgRMultiple float64

	// Risk
	MaxDrawdown     float64 // peak-to-trough amount
	MaxDrawdownPct  float64
	MaxDrawdownDate *time.Time // nil when the curve never declined
	SharpeRatio     float64

	// Holding
	AvgHoldingDays       float64
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
}
