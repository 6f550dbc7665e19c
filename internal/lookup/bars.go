package lookup

import (
	"errors"
	"time"

	"krx-trend-lab/internal/domain"
)

// Errors returned by lookup functions.
var (
	ErrNoBarData = errors.New("no bar data available")
	ErrNoBarAsOf = errors.New("no bar at or before date")
)

// BarAsOf returns the last bar dated at or before target.
// Bars must be in ascending date order. Unlike a nearest-neighbour lookup,
// a later bar is never substituted: that would leak future prices.
// Returns ErrNoBarData if slice is empty.
func BarAsOf(target time.Time, bars []*domain.Bar) (*domain.Bar, error) {
	if len(bars) == 0 {
		return nil, ErrNoBarData
	}

	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Date.After(target) {
			return bars[i], nil
		}
	}

	return nil, ErrNoBarAsOf
}

// CloseAsOf returns the close of the last bar at or before target.
func CloseAsOf(target time.Time, bars []*domain.Bar) (float64, error) {
	b, err := BarAsOf(target, bars)
	if err != nil {
		return 0, err
	}
	return b.Close, nil
}

// ClosesThrough returns closes of all bars at or before target, oldest first.
func ClosesThrough(target time.Time, bars []*domain.Bar) []float64 {
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b.Date.After(target) {
			break
		}
		out = append(out, b.Close)
	}
	return out
}
