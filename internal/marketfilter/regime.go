package marketfilter

import (
	"krx-trend-lab/internal/storage"
	"krx-trend-lab/internal/strategy"
)

// Selector resolves the entry filter a strategy runs under.
type Selector interface {
	ForStrategy(s strategy.Strategy) Filter
}

// Settings configure the filters built by Regimes.
type Settings struct {
	Enabled        bool
	Indices        []string
	Period         int // IndexMAFilter average
	SlopePeriod    int // IndexSlopeFilter EMA
	SlopeThreshold float64
}

// Regimes builds the filter named by a strategy's market gate over shared
// stores. Filters are created once and reused across strategies.
type Regimes struct {
	settings Settings
	ma       Filter
	slope    Filter
}

// NewRegimes creates a Selector. A disabled configuration allows all entries.
func NewRegimes(bars storage.BarStore, indicators storage.IndicatorStore, settings Settings) *Regimes {
	r := &Regimes{settings: settings}
	if !settings.Enabled {
		r.ma, r.slope = AllowAll{}, AllowAll{}
		return r
	}
	r.ma = NewIndexMAFilter(bars, settings.Indices, settings.Period)
	r.slope = NewIndexSlopeFilter(indicators, settings.Indices, settings.SlopePeriod, settings.SlopeThreshold)
	return r
}

// ForStrategy implements Selector.
func (r *Regimes) ForStrategy(s strategy.Strategy) Filter {
	if strategy.GateOf(s) == strategy.GateIndexSlope {
		return r.slope
	}
	return r.ma
}

// ForStrategy implements Selector; every strategy gets AllowAll.
func (a AllowAll) ForStrategy(strategy.Strategy) Filter {
	return a
}

var (
	_ Selector = (*Regimes)(nil)
	_ Selector = AllowAll{}
)
