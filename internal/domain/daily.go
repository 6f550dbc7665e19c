package domain

import "time"

// DailyRecord is one point on the equity curve.
type DailyRecord struct {
	Date          time.Time
	Equity        float64 // cash + mark-to-market of open positions
	Cash          float64
	PositionCount int
	OpenRisk      float64 // sum of (last close - stop) * shares over open positions
}

// PortfolioState is a read-only copy of the portfolio at a point in time.
type PortfolioState struct {
	Cash      float64
	Equity    float64
	Positions map[string]Position // keyed by instrument
	Trades    []Trade             // in close order
}
