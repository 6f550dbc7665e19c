package strategy

import (
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
)

// EMABreakoutStrategy is the exponential-average analogue of SMABreakoutStrategy.
//   - entry: EMA(fast) > EMA(mid) > EMA(slow) and close > HIGH(breakout)
//   - exit:  close < EMA(mid)
type EMABreakoutStrategy struct {
	Fast     int
	Mid      int
	Slow     int
	Breakout int
}

// NewEMABreakoutStrategy creates the strategy with the given periods.
func NewEMABreakoutStrategy(fast, mid, slow, breakout int) *EMABreakoutStrategy {
	return &EMABreakoutStrategy{Fast: fast, Mid: mid, Slow: slow, Breakout: breakout}
}

// ID returns the strategy identifier.
func (s *EMABreakoutStrategy) ID() string {
	return IDEMA
}

// Name returns a description including parameters.
func (s *EMABreakoutStrategy) Name() string {
	return fmt.Sprintf("EMA %d/%d/%d alignment + %d-day high breakout", s.Fast, s.Mid, s.Slow, s.Breakout)
}

// Requirements returns the indicator keys read by the strategy.
func (s *EMABreakoutStrategy) Requirements() []domain.IndicatorKey {
	return []domain.IndicatorKey{
		domain.Key(domain.KindEMA, s.Fast),
		domain.Key(domain.KindEMA, s.Mid),
		domain.Key(domain.KindEMA, s.Slow),
		domain.Key(domain.KindHigh, s.Breakout),
		domain.Key(domain.KindATR, ATRPeriod),
	}
}

// ShouldEnter implements Strategy.
func (s *EMABreakoutStrategy) ShouldEnter(_ string, _ time.Time, snap domain.Snapshot) bool {
	return alignmentBreakout(snap,
		domain.Key(domain.KindEMA, s.Fast),
		domain.Key(domain.KindEMA, s.Mid),
		domain.Key(domain.KindEMA, s.Slow),
		domain.Key(domain.KindHigh, s.Breakout),
	)
}

// ShouldExit implements Strategy.
func (s *EMABreakoutStrategy) ShouldExit(_ domain.Position, _ time.Time, snap domain.Snapshot) (bool, domain.ExitReason) {
	return closeBelow(snap, domain.Key(domain.KindEMA, s.Mid)), domain.ExitEMA
}
