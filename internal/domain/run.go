package domain

import (
	"errors"
	"time"
)

// Configuration errors, rejected before a run starts.
var (
	ErrInvalidDateRange    = errors.New("end date before start date")
	ErrNonPositiveCapital  = errors.New("initial capital must be positive")
	ErrInvalidRiskFraction = errors.New("risk per trade must be in (0, 1]")
	ErrMissingStrategy     = errors.New("strategy id is required")
)

// DefaultCalendar is the instrument whose bars define trading days (KOSPI index).
const DefaultCalendar = "KS11"

// BacktestRun is the full reproducibility record of one simulation.
type BacktestRun struct {
	RunID          string    // deterministic UUID, see idhash.ComputeRunID
	StrategyID     string    // e.g. "sma", "ema", "trend"
	StartDate      time.Time // inclusive
	EndDate        time.Time // inclusive
	Universe       []string  // instrument codes, ascending
	InitialCapital float64
	RiskPerTrade   float64 // fraction of equity risked per entry
	Calendar       string  // calendar instrument code
	CreatedAt      time.Time
}

// Validate checks the run definition for configuration errors.
func (r BacktestRun) Validate() error {
	if r.StrategyID == "" {
		return ErrMissingStrategy
	}
	if r.EndDate.Before(r.StartDate) {
		return ErrInvalidDateRange
	}
	if r.InitialCapital <= 0 {
		return ErrNonPositiveCapital
	}
	if r.RiskPerTrade <= 0 || r.RiskPerTrade > 1 {
		return ErrInvalidRiskFraction
	}
	return nil
}

// RunState is the engine lifecycle state.
type RunState string

// Run states.
const (
	RunStateNotStarted RunState = "NOT_STARTED"
	RunStateRunning    RunState = "RUNNING"
	RunStateCompleted  RunState = "COMPLETED"
	RunStateFailed     RunState = "FAILED" // discarded after a data source error or cancellation
)

// RunRecord is everything persisted for one run, written as a unit.
type RunRecord struct {
	Run           BacktestRun
	Trades        []Trade       // close order
	OpenPositions []Position    // positions still open at cutoff
	Daily         []DailyRecord // equity curve, ascending date
	Stats         RunStats
}
