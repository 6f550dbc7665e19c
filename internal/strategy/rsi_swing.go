package strategy

import (
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
)

// RSISwingStrategy buys oversold pullbacks inside an uptrend and holds them
// for a short, bounded window.
//   - entry: close > MA(trend) and RSI(rsi) < EntryBelow
//   - exit:  held >= MaxHoldingDays calendar days (TIME_EXIT),
//     else RSI(rsi) > ExitAbove (RSI_TARGET)
type RSISwingStrategy struct {
	RSIPeriod      int
	TrendPeriod    int
	EntryBelow     float64
	ExitAbove      float64
	MaxHoldingDays int
}

// RSI swing defaults.
const (
	RSIEntryThreshold   = 45.0
	RSIExitThreshold    = 70.0
	RSIMaxHoldingDays   = 10
	RSIStopMultiple     = 2.5
	RSITrailingMultiple = 3.0
)

// NewRSISwingStrategy creates the strategy with default thresholds.
func NewRSISwingStrategy(rsiPeriod, trendPeriod int) *RSISwingStrategy {
	return &RSISwingStrategy{
		RSIPeriod:      rsiPeriod,
		TrendPeriod:    trendPeriod,
		EntryBelow:     RSIEntryThreshold,
		ExitAbove:      RSIExitThreshold,
		MaxHoldingDays: RSIMaxHoldingDays,
	}
}

// ID returns the strategy identifier.
func (s *RSISwingStrategy) ID() string {
	return IDRSI
}

// Name returns a description including parameters.
func (s *RSISwingStrategy) Name() string {
	return fmt.Sprintf("RSI%d < %.0f above MA%d, exit RSI > %.0f or %d days",
		s.RSIPeriod, s.EntryBelow, s.TrendPeriod, s.ExitAbove, s.MaxHoldingDays)
}

// Requirements returns the indicator keys read by the strategy.
func (s *RSISwingStrategy) Requirements() []domain.IndicatorKey {
	return []domain.IndicatorKey{
		domain.Key(domain.KindSMA, s.TrendPeriod),
		domain.Key(domain.KindRSI, s.RSIPeriod),
		domain.Key(domain.KindATR, ATRPeriod),
	}
}

// ShouldEnter implements Strategy.
func (s *RSISwingStrategy) ShouldEnter(_ string, _ time.Time, snap domain.Snapshot) bool {
	v, ok := snap.Values(
		domain.Key(domain.KindSMA, s.TrendPeriod),
		domain.Key(domain.KindRSI, s.RSIPeriod),
	)
	if !ok {
		return false
	}
	return snap.Bar.Close > v[0] && v[1] < s.EntryBelow
}

// ShouldExit checks the holding window before the RSI target.
func (s *RSISwingStrategy) ShouldExit(pos domain.Position, date time.Time, snap domain.Snapshot) (bool, domain.ExitReason) {
	if heldDays(pos.EntryDate, date) >= s.MaxHoldingDays {
		return true, domain.ExitTime
	}
	rsi, ok := snap.Value(domain.Key(domain.KindRSI, s.RSIPeriod))
	if !ok {
		return false, domain.ExitRSITarget
	}
	return rsi > s.ExitAbove, domain.ExitRSITarget
}

// StopMultiple implements RiskProfile.
func (s *RSISwingStrategy) StopMultiple() float64 {
	return RSIStopMultiple
}

// TrailingMultiple implements RiskProfile.
func (s *RSISwingStrategy) TrailingMultiple() float64 {
	return RSITrailingMultiple
}

// heldDays counts calendar days between two session dates.
func heldDays(entry, date time.Time) int {
	if entry.IsZero() || date.Before(entry) {
		return 0
	}
	return int(date.Sub(entry).Hours() / 24)
}
