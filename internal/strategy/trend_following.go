package strategy

import (
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
)

// TrendFollowingStrategy buys rolling-high breakouts while the medium EMA is
// not falling and volatility is not overheated. It uses tighter stops than
// the alignment strategies.
type TrendFollowingStrategy struct {
	Breakout      int     // rolling-high window
	SlopePeriod   int     // EMA period for slope and exit
	SlopeEntryMin float64 // entry needs slope >= this
	SlopeExitMax  float64 // exit needs slope < this
	MaxATRRatio   float64 // entry needs ATR/close <= this
}

// Trend-following defaults.
const (
	TrendStopMultiple     = 2.0
	TrendTrailingMultiple = 2.5
)

// NewTrendFollowingStrategy creates the strategy with default thresholds.
func NewTrendFollowingStrategy(breakout, slopePeriod int) *TrendFollowingStrategy {
	return &TrendFollowingStrategy{
		Breakout:      breakout,
		SlopePeriod:   slopePeriod,
		SlopeEntryMin: -0.2,
		SlopeExitMax:  -0.3,
		MaxATRRatio:   0.15,
	}
}

// ID returns the strategy identifier.
func (s *TrendFollowingStrategy) ID() string {
	return IDTrend
}

// Name returns a description including parameters.
func (s *TrendFollowingStrategy) Name() string {
	return fmt.Sprintf("%d-day high breakout + EMA%d slope filter", s.Breakout, s.SlopePeriod)
}

// Requirements returns the indicator keys read by the strategy.
func (s *TrendFollowingStrategy) Requirements() []domain.IndicatorKey {
	return []domain.IndicatorKey{
		domain.Key(domain.KindHigh, s.Breakout),
		domain.Key(domain.KindEMA, s.SlopePeriod),
		domain.Key(domain.KindEMASlope, s.SlopePeriod),
		domain.Key(domain.KindATR, ATRPeriod),
	}
}

// ShouldEnter implements Strategy.
func (s *TrendFollowingStrategy) ShouldEnter(_ string, _ time.Time, snap domain.Snapshot) bool {
	v, ok := snap.Values(
		domain.Key(domain.KindHigh, s.Breakout),
		domain.Key(domain.KindEMASlope, s.SlopePeriod),
		domain.Key(domain.KindATR, ATRPeriod),
	)
	if !ok || snap.Bar.Close <= 0 {
		return false
	}
	high, slope, atr := v[0], v[1], v[2]

	return snap.Bar.Close > high &&
		slope >= s.SlopeEntryMin &&
		atr/snap.Bar.Close <= s.MaxATRRatio
}

// ShouldExit fires when close is under the EMA and the EMA is rolling over.
func (s *TrendFollowingStrategy) ShouldExit(_ domain.Position, _ time.Time, snap domain.Snapshot) (bool, domain.ExitReason) {
	slope, ok := snap.Value(domain.Key(domain.KindEMASlope, s.SlopePeriod))
	if !ok {
		return false, domain.ExitEMAStructure
	}
	return closeBelow(snap, domain.Key(domain.KindEMA, s.SlopePeriod)) && slope < s.SlopeExitMax, domain.ExitEMAStructure
}

// StopMultiple implements RiskProfile.
func (s *TrendFollowingStrategy) StopMultiple() float64 {
	return TrendStopMultiple
}

// TrailingMultiple implements RiskProfile.
func (s *TrendFollowingStrategy) TrailingMultiple() float64 {
	return TrendTrailingMultiple
}

// MarketGate implements MarketGate. Entries need rising index structure
// rather than index closes above their averages.
func (s *TrendFollowingStrategy) MarketGate() string {
	return GateIndexSlope
}
