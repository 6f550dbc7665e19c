package domain

import (
	"fmt"
	"time"
)

// DateLayout is the canonical calendar date format used across storage and CLI.
const DateLayout = "2006-01-02"

// Bar is one instrument's daily OHLCV record.
// Unique by (Instrument, Date); immutable once stored.
type Bar struct {
	Instrument   string    // exchange instrument code, e.g. "005930"
	Date         time.Time // trading date (UTC midnight)
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	TradingValue float64 // traded value in KRW
	MarketCap    float64 // market capitalization in KRW
}

// ParseDate parses a YYYY-MM-DD string into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// MustDate is ParseDate for literals known to be valid. Panics otherwise.
func MustDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// NormalizeDate truncates t to its UTC calendar date.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a date in DateLayout.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
