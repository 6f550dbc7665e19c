package strategy

import (
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
)

// SMABreakoutStrategy enters on simple-average alignment plus a rolling-high breakout.
//   - entry: MA(fast) > MA(mid) > MA(slow) and close > HIGH(breakout)
//   - exit:  close < MA(mid)
type SMABreakoutStrategy struct {
	Fast     int
	Mid      int
	Slow     int
	Breakout int
}

// NewSMABreakoutStrategy creates the strategy with the given periods.
func NewSMABreakoutStrategy(fast, mid, slow, breakout int) *SMABreakoutStrategy {
	return &SMABreakoutStrategy{Fast: fast, Mid: mid, Slow: slow, Breakout: breakout}
}

// ID returns the strategy identifier.
func (s *SMABreakoutStrategy) ID() string {
	return IDSMA
}

// Name returns a description including parameters.
func (s *SMABreakoutStrategy) Name() string {
	return fmt.Sprintf("SMA %d/%d/%d alignment + %d-day high breakout", s.Fast, s.Mid, s.Slow, s.Breakout)
}

// Requirements returns the indicator keys read by the strategy.
func (s *SMABreakoutStrategy) Requirements() []domain.IndicatorKey {
	return []domain.IndicatorKey{
		domain.Key(domain.KindSMA, s.Fast),
		domain.Key(domain.KindSMA, s.Mid),
		domain.Key(domain.KindSMA, s.Slow),
		domain.Key(domain.KindHigh, s.Breakout),
		domain.Key(domain.KindATR, ATRPeriod),
	}
}

// ShouldEnter implements Strategy.
func (s *SMABreakoutStrategy) ShouldEnter(_ string, _ time.Time, snap domain.Snapshot) bool {
	return alignmentBreakout(snap,
		domain.Key(domain.KindSMA, s.Fast),
		domain.Key(domain.KindSMA, s.Mid),
		domain.Key(domain.KindSMA, s.Slow),
		domain.Key(domain.KindHigh, s.Breakout),
	)
}

// ShouldExit implements Strategy.
func (s *SMABreakoutStrategy) ShouldExit(_ domain.Position, _ time.Time, snap domain.Snapshot) (bool, domain.ExitReason) {
	return closeBelow(snap, domain.Key(domain.KindSMA, s.Mid)), domain.ExitMA
}
