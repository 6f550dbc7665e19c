package domain

import "time"

// ExitReason is the reason code recorded on a closed trade.
type ExitReason string

// Exit reason codes.
const (
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitMA            ExitReason = "MA_EXIT"
	ExitEMA           ExitReason = "EMA_EXIT"
	ExitEMAStructure  ExitReason = "EMA_STRUCTURE_EXIT"
	ExitTime          ExitReason = "TIME_EXIT"
	ExitRSITarget     ExitReason = "RSI_TARGET"
	ExitEndOfBacktest ExitReason = "END_OF_BACKTEST"
)

// IsStop reports whether the exit was a stop fill (initial or trailing).
func (r ExitReason) IsStop() bool {
	return r == ExitStopLoss || r == ExitTrailingStop
}

// Trade is a closed position. Immutable once created.
type Trade struct {
	TradeID string // deterministic hash, see idhash.ComputeTradeID
	RunID   string

	// Entry
	Instrument  string
	EntryDate   time.Time
	EntryPrice  float64
	Shares      int64
	InitialStop float64
	ATRAtEntry  float64

	// Exit
	ExitDate     time.Time
	ExitPrice    float64
	ExitReason   ExitReason
	HighestClose float64 // highest close observed while held

	// Outcome
	PnL         float64 // realized profit/loss in KRW
	PnLPct      float64 // (exit - entry) / entry
	RMultiple   float64 // PnL / initial risk
	HoldingDays int     // calendar days between entry and exit
}

// IsWin reports whether the trade made money.
func (t Trade) IsWin() bool {
	return t.PnL > 0
}
