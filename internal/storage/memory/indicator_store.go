package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

// IndicatorStore is an in-memory implementation of storage.IndicatorStore.
type IndicatorStore struct {
	mu   sync.RWMutex
	data map[string]float64 // keyed by (instrument, date, key)
}

// NewIndicatorStore creates a new in-memory indicator store.
func NewIndicatorStore() *IndicatorStore {
	return &IndicatorStore{
		data: make(map[string]float64),
	}
}

// indicatorKey generates a unique key for an indicator value.
func indicatorKey(instrument string, date time.Time, key domain.IndicatorKey) string {
	return fmt.Sprintf("%s|%s|%s", instrument, domain.FormatDate(date), key)
}

// InsertBulk adds multiple values. Fails entire batch on duplicate.
func (s *IndicatorStore) InsertBulk(_ context.Context, values []*domain.IndicatorValue) error {
	if len(values) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(values))

	for _, v := range values {
		if v == nil || v.Instrument == "" || v.Key.Kind == "" {
			return storage.ErrInvalidInput
		}
		key := indicatorKey(v.Instrument, v.Date, v.Key)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, v := range values {
		s.data[indicatorKey(v.Instrument, v.Date, v.Key)] = v.Value
	}

	return nil
}

// GetByDate returns the requested keys dated exactly date, per instrument.
func (s *IndicatorStore) GetByDate(_ context.Context, instruments []string, date time.Time, keys []domain.IndicatorKey) (map[string]map[domain.IndicatorKey]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]map[domain.IndicatorKey]float64, len(instruments))
	for _, inst := range instruments {
		for _, k := range keys {
			v, ok := s.data[indicatorKey(inst, date, k)]
			if !ok {
				continue
			}
			if result[inst] == nil {
				result[inst] = make(map[domain.IndicatorKey]float64, len(keys))
			}
			result[inst][k] = v
		}
	}
	return result, nil
}

// Set overwrites a single value. Test fixtures use it to mutate data.
func (s *IndicatorStore) Set(instrument string, date time.Time, key domain.IndicatorKey, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[indicatorKey(instrument, date, key)] = value
}

var _ storage.IndicatorStore = (*IndicatorStore)(nil)
