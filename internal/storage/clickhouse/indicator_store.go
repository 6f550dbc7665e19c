package clickhouse

import (
	"context"
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/storage"
)

// IndicatorStore implements storage.IndicatorStore using ClickHouse.
// Keys are stored in their string form ("MA_20").
type IndicatorStore struct {
	conn *Conn
}

// NewIndicatorStore creates a new IndicatorStore.
func NewIndicatorStore(conn *Conn) *IndicatorStore {
	return &IndicatorStore{conn: conn}
}

// Compile-time interface check.
var _ storage.IndicatorStore = (*IndicatorStore)(nil)

// InsertBulk adds multiple values. Fails entire batch on duplicate (instrument, date, key).
func (s *IndicatorStore) InsertBulk(ctx context.Context, values []*domain.IndicatorValue) error {
	if len(values) == 0 {
		return nil
	}

	type key struct {
		instrument string
		date       string
		indicator  string
	}
	seen := make(map[key]struct{}, len(values))
	instruments := make(map[string]struct{})
	var from, to time.Time
	for _, v := range values {
		if v == nil || v.Instrument == "" || v.Date.IsZero() {
			return storage.ErrInvalidInput
		}
		k := key{v.Instrument, domain.FormatDate(v.Date), v.Key.String()}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
		instruments[v.Instrument] = struct{}{}

		d := domain.NormalizeDate(v.Date)
		if from.IsZero() || d.Before(from) {
			from = d
		}
		if d.After(to) {
			to = d
		}
	}

	// Check for duplicates against existing rows in the batch's span
	insts := make([]string, 0, len(instruments))
	for inst := range instruments {
		insts = append(insts, inst)
	}
	rows, err := s.conn.Query(ctx, `
		SELECT instrument, date, indicator_key
		FROM indicator_values
		WHERE instrument IN (?) AND date >= ? AND date <= ?
	`, insts, from, to)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	for rows.Next() {
		var inst, ind string
		var d time.Time
		if err := rows.Scan(&inst, &d, &ind); err != nil {
			rows.Close()
			return fmt.Errorf("scan existing row: %w", err)
		}
		if _, dup := seen[key{inst, domain.FormatDate(d), ind}]; dup {
			rows.Close()
			return storage.ErrDuplicateKey
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate existing rows: %w", err)
	}

	start := time.Now()
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO indicator_values (instrument, date, indicator_key, value)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, v := range values {
		if err := batch.Append(v.Instrument, domain.NormalizeDate(v.Date), v.Key.String(), v.Value); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	err = batch.Send()
	observability.RecordDBQuery("clickhouse", "insert_indicators", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByDate returns the requested keys dated exactly date, per instrument.
func (s *IndicatorStore) GetByDate(ctx context.Context, instruments []string, date time.Time, keys []domain.IndicatorKey) (map[string]map[domain.IndicatorKey]float64, error) {
	out := make(map[string]map[domain.IndicatorKey]float64)
	if len(instruments) == 0 || len(keys) == 0 {
		return out, nil
	}

	names := make([]string, len(keys))
	byName := make(map[string]domain.IndicatorKey, len(keys))
	for i, k := range keys {
		names[i] = k.String()
		byName[names[i]] = k
	}

	start := time.Now()
	rows, err := s.conn.Query(ctx, `
		SELECT instrument, indicator_key, value
		FROM indicator_values
		WHERE date = ? AND instrument IN (?) AND indicator_key IN (?)
	`, domain.NormalizeDate(date), instruments, names)
	observability.RecordDBQuery("clickhouse", "indicators_by_date", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("query indicators by date: %w", err)
	}
	defer rows.Close()

	if err := scanIndicatorValues(rows, byName, out); err != nil {
		return nil, err
	}
	return out, nil
}

// scanIndicatorValues fills out from (instrument, key, value) rows.
func scanIndicatorValues(rows chRows, byName map[string]domain.IndicatorKey, out map[string]map[domain.IndicatorKey]float64) error {
	for rows.Next() {
		var inst, name string
		var value float64
		if err := rows.Scan(&inst, &name, &value); err != nil {
			return fmt.Errorf("scan indicator row: %w", err)
		}
		key, ok := byName[name]
		if !ok {
			continue
		}
		m, ok := out[inst]
		if !ok {
			m = make(map[domain.IndicatorKey]float64)
			out[inst] = m
		}
		m[key] = value
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate indicator rows: %w", err)
	}
	return nil
}
