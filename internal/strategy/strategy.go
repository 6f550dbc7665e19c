package strategy

import (
	"time"

	"krx-trend-lab/internal/domain"
)

// Strategy is a pure decision function over point-in-time snapshots.
// Implementations hold only immutable parameters so instruments can be
// evaluated concurrently. Stop-loss and trailing stops are handled by the
// portfolio, never here.
type Strategy interface {
	// ID returns the strategy identifier used in run definitions.
	ID() string

	// Name returns a human-readable description.
	Name() string

	// Requirements lists the indicator keys the strategy reads.
	// The engine fetches exactly these for every instrument and date.
	Requirements() []domain.IndicatorKey

	// ShouldEnter reports whether instrument should be bought at date's close.
	ShouldEnter(instrument string, date time.Time, snap domain.Snapshot) bool

	// ShouldExit reports whether a rule-based exit fires and the reason
	// recorded on the trade it closes. The reason is ignored when false.
	ShouldExit(pos domain.Position, date time.Time, snap domain.Snapshot) (bool, domain.ExitReason)
}

// RiskProfile is implemented by strategies that carry their own stop multiples.
type RiskProfile interface {
	StopMultiple() float64
	TrailingMultiple() float64
}

// Market gate names.
const (
	GateIndexMA    = "index_ma"    // index close above its moving average
	GateIndexSlope = "index_slope" // index EMA slope above a floor
)

// MarketGate is implemented by strategies that choose the broad-market
// filter gating their entries. Others get GateIndexMA.
type MarketGate interface {
	MarketGate() string
}

// GateOf returns the market gate s selects.
func GateOf(s Strategy) string {
	if g, ok := s.(MarketGate); ok && g.MarketGate() != "" {
		return g.MarketGate()
	}
	return GateIndexMA
}

// aligned reports fast > mid > slow.
func aligned(fast, mid, slow float64) bool {
	return fast > mid && mid > slow
}

// alignmentBreakout is the shared entry rule of the moving-average variants:
// the three averages are stacked and the close clears the prior rolling high.
func alignmentBreakout(snap domain.Snapshot, fast, mid, slow, high domain.IndicatorKey) bool {
	v, ok := snap.Values(fast, mid, slow, high)
	if !ok {
		return false
	}
	return aligned(v[0], v[1], v[2]) && snap.Bar.Close > v[3]
}

// closeBelow reports close < key. Absent value never triggers.
func closeBelow(snap domain.Snapshot, key domain.IndicatorKey) bool {
	v, ok := snap.Value(key)
	if !ok {
		return false
	}
	return snap.Bar.Close < v
}
