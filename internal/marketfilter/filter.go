// Package marketfilter gates new entries on the broad-market regime.
package marketfilter

import (
	"context"
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/lookup"
	"krx-trend-lab/internal/storage"
)

// Filter decides whether new entries are allowed on a date. Exits are never gated.
type Filter interface {
	IsEntryAllowed(ctx context.Context, date time.Time) (bool, error)
}

// Index codes.
const (
	KOSPI  = "KS11"
	KOSDAQ = "KQ11"
)

// Defaults for IndexMAFilter.
const (
	DefaultPeriod       = 60
	DefaultLookbackDays = 120
)

// AllowAll permits entries on every date.
type AllowAll struct{}

// IsEntryAllowed implements Filter.
func (AllowAll) IsEntryAllowed(context.Context, time.Time) (bool, error) {
	return true, nil
}

// IndexStatus is the regime reading of one index on one date.
type IndexStatus struct {
	Index   string
	Close   float64
	MA      float64
	HasData bool
	Above   bool
}

// IndexMAFilter allows entries when every index closes above its own simple
// moving average on the date. The average uses closes up to and including
// the date. Missing data for any index blocks entries.
type IndexMAFilter struct {
	bars         storage.BarStore
	indices      []string
	period       int
	lookbackDays int
}

// NewIndexMAFilter creates a filter over the given indices.
// Empty indices default to KOSPI and KOSDAQ; zero period defaults to 60.
func NewIndexMAFilter(bars storage.BarStore, indices []string, period int) *IndexMAFilter {
	if len(indices) == 0 {
		indices = []string{KOSPI, KOSDAQ}
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	lookback := DefaultLookbackDays
	if period*2 > lookback {
		lookback = period * 2
	}
	return &IndexMAFilter{
		bars:         bars,
		indices:      append([]string(nil), indices...),
		period:       period,
		lookbackDays: lookback,
	}
}

// IsEntryAllowed implements Filter.
func (f *IndexMAFilter) IsEntryAllowed(ctx context.Context, date time.Time) (bool, error) {
	statuses, err := f.Status(ctx, date)
	if err != nil {
		return false, err
	}
	for _, s := range statuses {
		if !s.HasData || !s.Above {
			return false, nil
		}
	}
	return true, nil
}

// Status returns the per-index reading for date.
func (f *IndexMAFilter) Status(ctx context.Context, date time.Time) ([]IndexStatus, error) {
	date = domain.NormalizeDate(date)
	out := make([]IndexStatus, 0, len(f.indices))

	for _, index := range f.indices {
		bars, err := f.bars.GetRange(ctx, index, date.AddDate(0, 0, -f.lookbackDays), date)
		if err != nil {
			return nil, fmt.Errorf("get index bars %s: %w", index, err)
		}
		out = append(out, f.evaluate(index, date, bars))
	}
	return out, nil
}

func (f *IndexMAFilter) evaluate(index string, date time.Time, bars []*domain.Bar) IndexStatus {
	status := IndexStatus{Index: index}

	last, err := lookup.BarAsOf(date, bars)
	if err != nil || !last.Date.Equal(date) {
		// no bar dated today
		return status
	}

	closes := lookup.ClosesThrough(date, bars)
	if len(closes) < f.period {
		return status
	}

	var sum float64
	for _, c := range closes[len(closes)-f.period:] {
		sum += c
	}

	status.HasData = true
	status.Close = last.Close
	status.MA = sum / float64(f.period)
	status.Above = status.Close > status.MA
	return status
}

var (
	_ Filter = AllowAll{}
	_ Filter = (*IndexMAFilter)(nil)
)
