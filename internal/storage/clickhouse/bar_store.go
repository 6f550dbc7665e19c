package clickhouse

import (
	"context"
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/storage"
)

// BarStore implements storage.BarStore using ClickHouse.
type BarStore struct {
	conn *Conn
}

// NewBarStore creates a new BarStore.
func NewBarStore(conn *Conn) *BarStore {
	return &BarStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

const barColumns = `instrument, date, open, high, low, close, volume, trading_value, market_cap`

// InsertBulk adds multiple bars. Fails entire batch on duplicate (instrument, date).
func (s *BarStore) InsertBulk(ctx context.Context, bars []*domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	// Check for intra-batch duplicates and collect the date span per instrument
	type key struct {
		instrument string
		date       string
	}
	type span struct{ from, to time.Time }
	seen := make(map[key]struct{}, len(bars))
	spans := make(map[string]span)
	for _, b := range bars {
		if b == nil || b.Instrument == "" || b.Date.IsZero() {
			return storage.ErrInvalidInput
		}
		k := key{b.Instrument, domain.FormatDate(b.Date)}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}

		d := domain.NormalizeDate(b.Date)
		sp, ok := spans[b.Instrument]
		if !ok {
			sp = span{d, d}
		}
		if d.Before(sp.from) {
			sp.from = d
		}
		if d.After(sp.to) {
			sp.to = d
		}
		spans[b.Instrument] = sp
	}

	// Check for duplicates against existing rows, one query per instrument
	for inst, sp := range spans {
		existing, err := s.dates(ctx, inst, sp.from, sp.to)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		for _, d := range existing {
			if _, dup := seen[key{inst, domain.FormatDate(d)}]; dup {
				return storage.ErrDuplicateKey
			}
		}
	}

	start := time.Now()
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO daily_bars (`+barColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range bars {
		err = batch.Append(
			b.Instrument, domain.NormalizeDate(b.Date),
			b.Open, b.High, b.Low, b.Close,
			b.Volume, b.TradingValue, b.MarketCap,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	err = batch.Send()
	observability.RecordDBQuery("clickhouse", "insert_bars", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByDate returns the bars dated exactly date for the given instruments.
func (s *BarStore) GetByDate(ctx context.Context, instruments []string, date time.Time) (map[string]*domain.Bar, error) {
	out := make(map[string]*domain.Bar)
	if len(instruments) == 0 {
		return out, nil
	}

	start := time.Now()
	rows, err := s.conn.Query(ctx, `
		SELECT `+barColumns+`
		FROM daily_bars
		WHERE date = ? AND instrument IN (?)
	`, domain.NormalizeDate(date), instruments)
	observability.RecordDBQuery("clickhouse", "bars_by_date", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("query bars by date: %w", err)
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	for _, b := range bars {
		out[b.Instrument] = b
	}
	return out, nil
}

// GetRange retrieves bars for an instrument within [start, end] (inclusive), ordered by date ASC.
func (s *BarStore) GetRange(ctx context.Context, instrument string, start, end time.Time) ([]*domain.Bar, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+barColumns+`
		FROM daily_bars
		WHERE instrument = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, instrument, domain.NormalizeDate(start), domain.NormalizeDate(end))
	if err != nil {
		return nil, fmt.Errorf("query bar range: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// TradingDays returns the dates within [start, end] on which calendar has a bar.
func (s *BarStore) TradingDays(ctx context.Context, calendar string, start, end time.Time) ([]time.Time, error) {
	return s.dates(ctx, calendar, domain.NormalizeDate(start), domain.NormalizeDate(end))
}

// Instruments lists every instrument with at least one bar, ascending.
func (s *BarStore) Instruments(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, `SELECT DISTINCT instrument FROM daily_bars ORDER BY instrument ASC`)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var inst string
		if err := rows.Scan(&inst); err != nil {
			return nil, fmt.Errorf("scan instrument row: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instrument rows: %w", err)
	}
	return out, nil
}

// dates lists the distinct bar dates of instrument within [from, to].
func (s *BarStore) dates(ctx context.Context, instrument string, from, to time.Time) ([]time.Time, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT date
		FROM daily_bars
		WHERE instrument = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, instrument, from, to)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date row: %w", err)
		}
		out = append(out, domain.NormalizeDate(d))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate date rows: %w", err)
	}
	return out, nil
}

// scanBars scans multiple rows.
func scanBars(rows chRows) ([]*domain.Bar, error) {
	var bars []*domain.Bar

	for rows.Next() {
		var b domain.Bar
		err := rows.Scan(
			&b.Instrument, &b.Date,
			&b.Open, &b.High, &b.Low, &b.Close,
			&b.Volume, &b.TradingValue, &b.MarketCap,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}
		b.Date = domain.NormalizeDate(b.Date)
		bars = append(bars, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bar rows: %w", err)
	}

	return bars, nil
}
