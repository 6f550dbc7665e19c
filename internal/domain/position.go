package domain

import "time"

// Position is an open holding in one instrument.
// Owned exclusively by the portfolio while open.
type Position struct {
	Instrument   string
	EntryDate    time.Time
	EntryPrice   float64
	Shares       int64
	InitialStop  float64 // stop at entry, basis for R
	StopLoss     float64 // current stop, ratchets up only
	HighestClose float64 // highest close since entry, monotonic
	ATRAtEntry   float64 // volatility measure captured at entry
	LastClose    float64 // most recent mark price
}

// InitialRisk is the currency amount at risk when the position was opened.
func (p Position) InitialRisk() float64 {
	return (p.EntryPrice - p.InitialStop) * float64(p.Shares)
}

// OpenRisk is the amount that would be lost if the current stop filled.
// Zero once the stop is at or above the last close.
func (p Position) OpenRisk() float64 {
	r := (p.LastClose - p.StopLoss) * float64(p.Shares)
	if r < 0 {
		return 0
	}
	return r
}

// MarketValue marks the position at its last close.
func (p Position) MarketValue() float64 {
	return p.LastClose * float64(p.Shares)
}

// StopRatcheted reports whether the stop has moved above the initial stop.
func (p Position) StopRatcheted() bool {
	return p.StopLoss > p.InitialStop
}
