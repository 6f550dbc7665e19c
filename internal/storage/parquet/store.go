// Package parquet stores daily bars and indicator values as Parquet files,
// one file per instrument:
//
//	<dir>/bars/<INSTRUMENT>.parquet
//	<dir>/indicators/<INSTRUMENT>.parquet
package parquet

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

// Compile-time interface check.
var _ storage.BarStore = (*Store)(nil)

// BarRecord is the Parquet schema for daily bars.
type BarRecord struct {
	Instrument   string  `parquet:"instrument"`
	Timestamp    int64   `parquet:"date,timestamp(millisecond)"` // UTC midnight, Unix ms
	Open         float64 `parquet:"open"`
	High         float64 `parquet:"high"`
	Low          float64 `parquet:"low"`
	Close        float64 `parquet:"close"`
	Volume       int64   `parquet:"volume"`
	TradingValue float64 `parquet:"trading_value"`
	MarketCap    float64 `parquet:"market_cap"`
}

// IndicatorRecord is the Parquet schema for indicator values.
type IndicatorRecord struct {
	Instrument string  `parquet:"instrument"`
	Timestamp  int64   `parquet:"date,timestamp(millisecond)"`
	Key        string  `parquet:"indicator_key"`
	Value      float64 `parquet:"value"`
}

// Store implements storage.BarStore on a directory; Indicators returns the
// storage.IndicatorStore view over the same directory.
// Files are loaded once per instrument and cached; writes go through the
// cache and rewrite the instrument's file.
type Store struct {
	dir string

	mu         sync.RWMutex
	bars       map[string]map[string]*domain.Bar                     // instrument -> date -> bar
	indicators map[string]map[string]map[domain.IndicatorKey]float64 // instrument -> date -> key -> value
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:        dir,
		bars:       make(map[string]map[string]*domain.Bar),
		indicators: make(map[string]map[string]map[domain.IndicatorKey]float64),
	}
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// InsertBulk adds bars. Fails entire batch on duplicate (instrument, date).
func (s *Store) InsertBulk(_ context.Context, bars []*domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: validate and check duplicates (existing + intra-batch)
	byInst := make(map[string][]*domain.Bar)
	batchKeys := make(map[string]struct{}, len(bars))
	for _, b := range bars {
		if b == nil || b.Instrument == "" || b.Date.IsZero() {
			return storage.ErrInvalidInput
		}
		existing, err := s.loadBarsLocked(b.Instrument)
		if err != nil {
			return err
		}
		day := domain.FormatDate(b.Date)
		if _, ok := existing[day]; ok {
			return storage.ErrDuplicateKey
		}
		k := b.Instrument + "|" + day
		if _, ok := batchKeys[k]; ok {
			return storage.ErrDuplicateKey
		}
		batchKeys[k] = struct{}{}
		byInst[b.Instrument] = append(byInst[b.Instrument], b)
	}

	// Second pass: merge and rewrite each instrument file
	for inst, add := range byInst {
		merged := make(map[string]*domain.Bar, len(s.bars[inst])+len(add))
		for k, v := range s.bars[inst] {
			merged[k] = v
		}
		for _, b := range add {
			c := *b
			c.Date = domain.NormalizeDate(b.Date)
			merged[domain.FormatDate(c.Date)] = &c
		}
		if err := writeFile(s.barPath(inst), barRecords(merged)); err != nil {
			return fmt.Errorf("write bars for %s: %w", inst, err)
		}
		s.bars[inst] = merged
	}
	return nil
}

// GetByDate returns the bars dated exactly date for the given instruments.
func (s *Store) GetByDate(_ context.Context, instruments []string, date time.Time) (map[string]*domain.Bar, error) {
	day := domain.FormatDate(date)
	out := make(map[string]*domain.Bar, len(instruments))
	for _, inst := range instruments {
		byDate, err := s.barsFor(inst)
		if err != nil {
			return nil, err
		}
		if b, ok := byDate[day]; ok {
			c := *b
			out[inst] = &c
		}
	}
	return out, nil
}

// GetRange retrieves bars for an instrument within [start, end], ordered by date ASC.
func (s *Store) GetRange(_ context.Context, instrument string, start, end time.Time) ([]*domain.Bar, error) {
	byDate, err := s.barsFor(instrument)
	if err != nil {
		return nil, err
	}
	from, to := domain.NormalizeDate(start), domain.NormalizeDate(end)

	var out []*domain.Bar
	for _, b := range byDate {
		if b.Date.Before(from) || b.Date.After(to) {
			continue
		}
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

// TradingDays returns the dates within [start, end] on which calendar has a bar.
func (s *Store) TradingDays(ctx context.Context, calendar string, start, end time.Time) ([]time.Time, error) {
	bars, err := s.GetRange(ctx, calendar, start, end)
	if err != nil {
		return nil, err
	}
	days := make([]time.Time, len(bars))
	for i, b := range bars {
		days[i] = b.Date
	}
	return days, nil
}

// Instruments lists every instrument with a bar file, ascending.
func (s *Store) Instruments(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "bars"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list bar files: %w", err)
	}

	var out []string
	for _, e := range entries {
		if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, ".parquet") {
			out = append(out, strings.TrimSuffix(name, ".parquet"))
		}
	}
	sort.Strings(out)
	return out, nil
}

// barsFor returns the cached bars of instrument, loading the file on first use.
func (s *Store) barsFor(instrument string) (map[string]*domain.Bar, error) {
	s.mu.RLock()
	byDate, ok := s.bars[instrument]
	s.mu.RUnlock()
	if ok {
		return byDate, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadBarsLocked(instrument)
}

func (s *Store) loadBarsLocked(instrument string) (map[string]*domain.Bar, error) {
	if byDate, ok := s.bars[instrument]; ok {
		return byDate, nil
	}

	records, err := readFile[BarRecord](s.barPath(instrument))
	if err != nil {
		return nil, fmt.Errorf("read bars for %s: %w", instrument, err)
	}
	byDate := make(map[string]*domain.Bar, len(records))
	for _, r := range records {
		b := r.toDomain()
		byDate[domain.FormatDate(b.Date)] = b
	}
	s.bars[instrument] = byDate
	return byDate, nil
}

func (s *Store) barPath(instrument string) string {
	return filepath.Join(s.dir, "bars", instrument+".parquet")
}

func (s *Store) indicatorPath(instrument string) string {
	return filepath.Join(s.dir, "indicators", instrument+".parquet")
}

func (r BarRecord) toDomain() *domain.Bar {
	return &domain.Bar{
		Instrument:   r.Instrument,
		Date:         domain.NormalizeDate(time.UnixMilli(r.Timestamp)),
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Volume:       r.Volume,
		TradingValue: r.TradingValue,
		MarketCap:    r.MarketCap,
	}
}

// FromBar converts a domain bar into its Parquet record.
func FromBar(b *domain.Bar) BarRecord {
	return BarRecord{
		Instrument:   b.Instrument,
		Timestamp:    domain.NormalizeDate(b.Date).UnixMilli(),
		Open:         b.Open,
		High:         b.High,
		Low:          b.Low,
		Close:        b.Close,
		Volume:       b.Volume,
		TradingValue: b.TradingValue,
		MarketCap:    b.MarketCap,
	}
}

func barRecords(byDate map[string]*domain.Bar) []BarRecord {
	out := make([]BarRecord, 0, len(byDate))
	for _, b := range byDate {
		out = append(out, FromBar(b))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// ReadBarFile reads a bar Parquet file in the store's schema.
// Used by the ingest tool for source files outside a store directory.
func ReadBarFile(path string) ([]*domain.Bar, error) {
	records, err := parquet.ReadFile[BarRecord](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make([]*domain.Bar, len(records))
	for i, r := range records {
		out[i] = r.toDomain()
	}
	return out, nil
}

// WriteBarFile writes bars to path in the store's schema.
func WriteBarFile(path string, bars []*domain.Bar) error {
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = FromBar(b)
	}
	return writeFile(path, records)
}

func writeFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// readFile returns no rows when path does not exist.
func readFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return parquet.ReadFile[T](path)
}
