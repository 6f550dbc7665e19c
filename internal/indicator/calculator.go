package indicator

import (
	"errors"
	"fmt"
	"math"

	"krx-trend-lab/internal/domain"
)

// ErrUnorderedBars is returned when bars are not one instrument in ascending date order.
var ErrUnorderedBars = errors.New("bars must be one instrument in ascending date order")

// DefaultKeys is the full indicator set the strategies and market filter read.
func DefaultKeys() []domain.IndicatorKey {
	return []domain.IndicatorKey{
		domain.Key(domain.KindSMA, 20),
		domain.Key(domain.KindSMA, 60),
		domain.Key(domain.KindSMA, 120),
		domain.Key(domain.KindSMA, 200),
		domain.Key(domain.KindEMA, 20),
		domain.Key(domain.KindEMA, 50),
		domain.Key(domain.KindEMA, 120),
		domain.Key(domain.KindEMA, 200),
		domain.Key(domain.KindATR, 20),
		domain.Key(domain.KindRSI, 14),
		domain.Key(domain.KindHigh, 10),
		domain.Key(domain.KindHigh, 20),
		domain.Key(domain.KindEMASlope, 50),
	}
}

// Calculator turns a bar history into indicator values using a Registry.
type Calculator struct {
	registry *Registry
}

// NewCalculator creates a calculator. A nil registry uses DefaultRegistry.
func NewCalculator(registry *Registry) *Calculator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Calculator{registry: registry}
}

// Compute evaluates keys over bars of a single instrument.
// Dates inside an indicator's warm-up window yield no value.
// Output is ordered by key (as given), then date.
func (c *Calculator) Compute(bars []domain.Bar, keys []domain.IndicatorKey) ([]*domain.IndicatorValue, error) {
	if err := checkBars(bars); err != nil {
		return nil, err
	}

	var out []*domain.IndicatorValue
	for _, key := range keys {
		if err := c.registry.ValidateKey(key); err != nil {
			return nil, fmt.Errorf("compute indicators: %w", err)
		}
		spec, _ := c.registry.Lookup(key.Kind)
		series := spec.Compute(bars, key.Params)
		for i, v := range series {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			out = append(out, &domain.IndicatorValue{
				Instrument: bars[i].Instrument,
				Date:       bars[i].Date,
				Key:        key,
				Value:      v,
			})
		}
	}
	return out, nil
}

func checkBars(bars []domain.Bar) error {
	for i := 1; i < len(bars); i++ {
		if bars[i].Instrument != bars[0].Instrument || !bars[i].Date.After(bars[i-1].Date) {
			return ErrUnorderedBars
		}
	}
	return nil
}
