package storage

import (
	"context"
	"time"

	"krx-trend-lab/internal/domain"
)

// BarStore provides access to daily_bars storage.
type BarStore interface {
	// InsertBulk adds multiple bars. Fails entire batch on duplicate (instrument, date).
	InsertBulk(ctx context.Context, bars []*domain.Bar) error

	// GetByDate returns the bars dated exactly date for the given instruments.
	// Instruments without a bar are absent from the map.
	GetByDate(ctx context.Context, instruments []string, date time.Time) (map[string]*domain.Bar, error)

	// GetRange retrieves bars for an instrument within [start, end] (inclusive), ordered by date ASC.
	GetRange(ctx context.Context, instrument string, start, end time.Time) ([]*domain.Bar, error)

	// TradingDays returns the dates within [start, end] on which the calendar
	// instrument has a bar, ascending.
	TradingDays(ctx context.Context, calendar string, start, end time.Time) ([]time.Time, error)

	// Instruments lists every instrument with at least one bar, ascending.
	Instruments(ctx context.Context) ([]string, error)
}

// IndicatorStore provides access to indicator_values storage.
type IndicatorStore interface {
	// InsertBulk adds multiple values. Fails entire batch on duplicate (instrument, date, key).
	InsertBulk(ctx context.Context, values []*domain.IndicatorValue) error

	// GetByDate returns the requested keys dated exactly date, per instrument.
	// Absent values are absent from the inner map, never zero.
	GetByDate(ctx context.Context, instruments []string, date time.Time, keys []domain.IndicatorKey) (map[string]map[domain.IndicatorKey]float64, error)
}

// RunRepository persists completed backtest runs.
type RunRepository interface {
	// SaveRun writes the run definition, trades, open positions, daily records
	// and stats as one unit. Returns ErrDuplicateKey if run_id exists.
	SaveRun(ctx context.Context, rec *domain.RunRecord) error

	// DeleteRun removes a run and everything stored under it. Returns ErrNotFound if absent.
	DeleteRun(ctx context.Context, runID string) error

	// GetRun retrieves a run definition. Returns ErrNotFound if not exists.
	GetRun(ctx context.Context, runID string) (*domain.BacktestRun, error)

	// GetTrades retrieves all trades for a run in close order.
	GetTrades(ctx context.Context, runID string) ([]domain.Trade, error)

	// GetOpenPositions retrieves positions left open at cutoff, ascending instrument.
	GetOpenPositions(ctx context.Context, runID string) ([]domain.Position, error)

	// GetDailyRecords retrieves the equity curve, ascending date.
	GetDailyRecords(ctx context.Context, runID string) ([]domain.DailyRecord, error)

	// GetStats retrieves summary statistics. Returns ErrNotFound if not exists.
	GetStats(ctx context.Context, runID string) (*domain.RunStats, error)

	// ListRuns retrieves all run definitions, newest first.
	ListRuns(ctx context.Context) ([]*domain.BacktestRun, error)
}
