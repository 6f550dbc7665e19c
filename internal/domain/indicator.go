package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IndicatorKind enumerates the indicator families the system understands.
type IndicatorKind string

// Indicator kinds. String values match the stored indicator_type column.
const (
	KindSMA      IndicatorKind = "MA"
	KindEMA      IndicatorKind = "EMA"
	KindATR      IndicatorKind = "ATR"
	KindHigh     IndicatorKind = "HIGH" // highest close of the N prior sessions, today excluded
	KindRSI      IndicatorKind = "RSI"
	KindEMASlope IndicatorKind = "EMA_SLOPE" // ATR-normalised EMA slope
)

// IndicatorParams is the fixed parameter record shared by all kinds.
// Kinds ignore fields they do not use.
type IndicatorParams struct {
	Period   int // averaging / lookback window
	Lookback int // slope distance in sessions (EMA_SLOPE only)
}

// IndicatorKey identifies one indicator series.
type IndicatorKey struct {
	Kind   IndicatorKind
	Params IndicatorParams
}

// Key builds an IndicatorKey with only a period.
func Key(kind IndicatorKind, period int) IndicatorKey {
	return IndicatorKey{Kind: kind, Params: IndicatorParams{Period: period}}
}

// String renders the storage key, e.g. "MA_20" or "EMA_SLOPE_50".
// Lookback is appended only when set: "EMA_SLOPE_50_5".
func (k IndicatorKey) String() string {
	s := fmt.Sprintf("%s_%d", k.Kind, k.Params.Period)
	if k.Params.Lookback > 0 {
		s += fmt.Sprintf("_%d", k.Params.Lookback)
	}
	return s
}

// ParseIndicatorKey is the inverse of IndicatorKey.String.
func ParseIndicatorKey(s string) (IndicatorKey, error) {
	// Kinds may contain underscores, so match the longest known prefix.
	for _, kind := range []IndicatorKind{KindEMASlope, KindSMA, KindEMA, KindATR, KindHigh, KindRSI} {
		prefix := string(kind) + "_"
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		rest := strings.Split(strings.TrimPrefix(s, prefix), "_")
		if len(rest) == 0 || len(rest) > 2 {
			break
		}
		period, err := strconv.Atoi(rest[0])
		if err != nil {
			return IndicatorKey{}, fmt.Errorf("parse indicator key %q: %w", s, err)
		}
		key := Key(kind, period)
		if len(rest) == 2 {
			lookback, err := strconv.Atoi(rest[1])
			if err != nil {
				return IndicatorKey{}, fmt.Errorf("parse indicator key %q: %w", s, err)
			}
			key.Params.Lookback = lookback
		}
		return key, nil
	}
	return IndicatorKey{}, fmt.Errorf("parse indicator key %q: unknown kind", s)
}

// IndicatorValue is one computed indicator value for an instrument and date.
type IndicatorValue struct {
	Instrument string
	Date       time.Time
	Key        IndicatorKey
	Value      float64
}

// Snapshot is the point-in-time view a strategy decides on:
// the date's bar plus whatever indicator values exist for that date.
type Snapshot struct {
	Bar        Bar
	Indicators map[IndicatorKey]float64
}

// Value returns the indicator value for key. Absent values report false
// and must be read as "condition not satisfied", never as zero.
func (s Snapshot) Value(key IndicatorKey) (float64, bool) {
	if s.Indicators == nil {
		return 0, false
	}
	v, ok := s.Indicators[key]
	return v, ok
}

// Values returns all requested values, or false if any is absent.
func (s Snapshot) Values(keys ...IndicatorKey) ([]float64, bool) {
	out := make([]float64, len(keys))
	for i, k := range keys {
		v, ok := s.Value(k)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
