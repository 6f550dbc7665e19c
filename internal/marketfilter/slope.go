package marketfilter

import (
	"context"
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

// Defaults for IndexSlopeFilter.
const (
	DefaultSlopePeriod    = 50
	DefaultSlopeThreshold = -0.2
)

// SlopeStatus is the structure reading of one index on one date.
type SlopeStatus struct {
	Index   string
	Slope   float64
	HasData bool
	OK      bool
}

// IndexSlopeFilter allows entries when every index's stored EMA slope on the
// date is at or above the threshold. Indices are checked in order and a
// missing value for any of them blocks entries.
type IndexSlopeFilter struct {
	indicators storage.IndicatorStore
	indices    []string
	key        domain.IndicatorKey
	threshold  float64
}

// NewIndexSlopeFilter creates a filter reading EMA_SLOPE_<period>.
// Empty indices default to KOSPI and KOSDAQ; zero period defaults to 50.
func NewIndexSlopeFilter(indicators storage.IndicatorStore, indices []string, period int, threshold float64) *IndexSlopeFilter {
	if len(indices) == 0 {
		indices = []string{KOSPI, KOSDAQ}
	}
	if period <= 0 {
		period = DefaultSlopePeriod
	}
	return &IndexSlopeFilter{
		indicators: indicators,
		indices:    append([]string(nil), indices...),
		key:        domain.Key(domain.KindEMASlope, period),
		threshold:  threshold,
	}
}

// IsEntryAllowed implements Filter.
func (f *IndexSlopeFilter) IsEntryAllowed(ctx context.Context, date time.Time) (bool, error) {
	statuses, err := f.Status(ctx, date)
	if err != nil {
		return false, err
	}
	for _, s := range statuses {
		if !s.HasData || !s.OK {
			return false, nil
		}
	}
	return true, nil
}

// Status returns the per-index reading for date.
func (f *IndexSlopeFilter) Status(ctx context.Context, date time.Time) ([]SlopeStatus, error) {
	date = domain.NormalizeDate(date)
	values, err := f.indicators.GetByDate(ctx, f.indices, date, []domain.IndicatorKey{f.key})
	if err != nil {
		return nil, fmt.Errorf("get index slopes: %w", err)
	}

	out := make([]SlopeStatus, 0, len(f.indices))
	for _, index := range f.indices {
		status := SlopeStatus{Index: index}
		if v, ok := values[index][f.key]; ok {
			status.HasData = true
			status.Slope = v
			status.OK = v >= f.threshold
		}
		out = append(out, status)
	}
	return out, nil
}

var _ Filter = (*IndexSlopeFilter)(nil)
