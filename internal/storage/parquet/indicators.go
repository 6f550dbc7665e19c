package parquet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

// IndicatorStore adapts Store to storage.IndicatorStore. Store already
// satisfies storage.BarStore, and the two interfaces share method names,
// so indicator access goes through this view.
type IndicatorStore struct {
	s *Store
}

// Indicators returns the indicator view of the store.
func (s *Store) Indicators() *IndicatorStore {
	return &IndicatorStore{s: s}
}

// Compile-time interface check.
var _ storage.IndicatorStore = (*IndicatorStore)(nil)

// InsertBulk adds values. Fails entire batch on duplicate (instrument, date, key).
func (v *IndicatorStore) InsertBulk(_ context.Context, values []*domain.IndicatorValue) error {
	if len(values) == 0 {
		return nil
	}
	s := v.s

	s.mu.Lock()
	defer s.mu.Unlock()

	byInst := make(map[string][]*domain.IndicatorValue)
	batchKeys := make(map[string]struct{}, len(values))
	for _, val := range values {
		if val == nil || val.Instrument == "" || val.Date.IsZero() {
			return storage.ErrInvalidInput
		}
		existing, err := s.loadIndicatorsLocked(val.Instrument)
		if err != nil {
			return err
		}
		day := domain.FormatDate(val.Date)
		if _, ok := existing[day][val.Key]; ok {
			return storage.ErrDuplicateKey
		}
		k := val.Instrument + "|" + day + "|" + val.Key.String()
		if _, ok := batchKeys[k]; ok {
			return storage.ErrDuplicateKey
		}
		batchKeys[k] = struct{}{}
		byInst[val.Instrument] = append(byInst[val.Instrument], val)
	}

	for inst, add := range byInst {
		merged := make(map[string]map[domain.IndicatorKey]float64, len(s.indicators[inst]))
		for day, m := range s.indicators[inst] {
			c := make(map[domain.IndicatorKey]float64, len(m))
			for k, x := range m {
				c[k] = x
			}
			merged[day] = c
		}
		for _, val := range add {
			day := domain.FormatDate(val.Date)
			if merged[day] == nil {
				merged[day] = make(map[domain.IndicatorKey]float64)
			}
			merged[day][val.Key] = val.Value
		}
		if err := writeFile(s.indicatorPath(inst), indicatorRecords(inst, merged)); err != nil {
			return fmt.Errorf("write indicators for %s: %w", inst, err)
		}
		s.indicators[inst] = merged
	}
	return nil
}

// GetByDate returns the requested keys dated exactly date, per instrument.
func (v *IndicatorStore) GetByDate(_ context.Context, instruments []string, date time.Time, keys []domain.IndicatorKey) (map[string]map[domain.IndicatorKey]float64, error) {
	day := domain.FormatDate(date)
	out := make(map[string]map[domain.IndicatorKey]float64)
	for _, inst := range instruments {
		byDate, err := v.s.indicatorsFor(inst)
		if err != nil {
			return nil, err
		}
		values, ok := byDate[day]
		if !ok {
			continue
		}
		m := make(map[domain.IndicatorKey]float64, len(keys))
		for _, k := range keys {
			if x, ok := values[k]; ok {
				m[k] = x
			}
		}
		if len(m) > 0 {
			out[inst] = m
		}
	}
	return out, nil
}

func (s *Store) indicatorsFor(instrument string) (map[string]map[domain.IndicatorKey]float64, error) {
	s.mu.RLock()
	byDate, ok := s.indicators[instrument]
	s.mu.RUnlock()
	if ok {
		return byDate, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndicatorsLocked(instrument)
}

func (s *Store) loadIndicatorsLocked(instrument string) (map[string]map[domain.IndicatorKey]float64, error) {
	if byDate, ok := s.indicators[instrument]; ok {
		return byDate, nil
	}

	records, err := readFile[IndicatorRecord](s.indicatorPath(instrument))
	if err != nil {
		return nil, fmt.Errorf("read indicators for %s: %w", instrument, err)
	}
	byDate := make(map[string]map[domain.IndicatorKey]float64)
	for _, r := range records {
		key, err := domain.ParseIndicatorKey(r.Key)
		if err != nil {
			return nil, fmt.Errorf("read indicators for %s: %w", instrument, err)
		}
		day := domain.FormatDate(time.UnixMilli(r.Timestamp))
		if byDate[day] == nil {
			byDate[day] = make(map[domain.IndicatorKey]float64)
		}
		byDate[day][key] = r.Value
	}
	s.indicators[instrument] = byDate
	return byDate, nil
}

func indicatorRecords(instrument string, byDate map[string]map[domain.IndicatorKey]float64) []IndicatorRecord {
	var out []IndicatorRecord
	for day, m := range byDate {
		ts := domain.MustDate(day).UnixMilli()
		for k, v := range m {
			out = append(out, IndicatorRecord{Instrument: instrument, Timestamp: ts, Key: k.String(), Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Key < out[j].Key
	})
	return out
}
