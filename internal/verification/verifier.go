// Package verification re-runs stored backtests and checks that the
// simulation reproduces the same trades and final equity.
package verification

import (
	"math"
	"time"

	"krx-trend-lab/internal/domain"
)

// FloatTolerance is the tolerance for float64 comparisons.
const FloatTolerance = 1e-7

// Divergence represents a mismatch between stored and replayed values.
type Divergence struct {
	Field    string // field name
	Expected any    // stored value
	Actual   any    // replayed value
}

// TradeResult contains the result of verifying one trade position in the log.
type TradeResult struct {
	Index       int          // position in close order
	TradeID     string       // stored trade ID, empty when only the replay has it
	Match       bool         // true if all fields match
	Divergences []Divergence // list of divergent fields
}

// Report contains the outcome of verifying one run.
type Report struct {
	RunID           string
	StoredTrades    int
	ReplayedTrades  int
	MatchedTrades   int
	DivergentTrades int

	StoredFinalEquity   float64
	ReplayedFinalEquity float64

	Results []TradeResult
}

// Match reports whether the replay reproduced the stored run exactly.
func (r *Report) Match() bool {
	return r.DivergentTrades == 0 &&
		r.StoredTrades == r.ReplayedTrades &&
		floatEquals(r.StoredFinalEquity, r.ReplayedFinalEquity)
}

// CompareTrades compares two trades field by field and returns divergences.
// Prices and amounts use FloatTolerance; identifiers, dates and reasons
// must match exactly.
func CompareTrades(stored, replayed *domain.Trade) []Divergence {
	var out []Divergence
	diff := func(field string, equal bool, expected, actual any) {
		if !equal {
			out = append(out, Divergence{Field: field, Expected: expected, Actual: actual})
		}
	}
	str := func(field, a, b string) { diff(field, a == b, a, b) }
	num := func(field string, a, b float64) { diff(field, floatEquals(a, b), a, b) }
	date := func(field string, a, b time.Time) {
		diff(field, a.Equal(b), domain.FormatDate(a), domain.FormatDate(b))
	}

	str("TradeID", stored.TradeID, replayed.TradeID)
	str("Instrument", stored.Instrument, replayed.Instrument)

	// Entry
	date("EntryDate", stored.EntryDate, replayed.EntryDate)
	num("EntryPrice", stored.EntryPrice, replayed.EntryPrice)
	diff("Shares", stored.Shares == replayed.Shares, stored.Shares, replayed.Shares)
	num("InitialStop", stored.InitialStop, replayed.InitialStop)
	num("ATRAtEntry", stored.ATRAtEntry, replayed.ATRAtEntry)

	// Exit
	date("ExitDate", stored.ExitDate, replayed.ExitDate)
	num("ExitPrice", stored.ExitPrice, replayed.ExitPrice)
	str("ExitReason", string(stored.ExitReason), string(replayed.ExitReason))
	num("HighestClose", stored.HighestClose, replayed.HighestClose)

	// Outcome
	num("PnL", stored.PnL, replayed.PnL)
	num("PnLPct", stored.PnLPct, replayed.PnLPct)
	num("RMultiple", stored.RMultiple, replayed.RMultiple)
	diff("HoldingDays", stored.HoldingDays == replayed.HoldingDays, stored.HoldingDays, replayed.HoldingDays)

	return out
}

// floatEquals compares two float64 values within FloatTolerance,
// relative to magnitude for KRW amounts.
func floatEquals(a, b float64) bool {
	d := math.Abs(a - b)
	if d <= FloatTolerance {
		return true
	}
	return d <= FloatTolerance*math.Max(math.Abs(a), math.Abs(b))
}
