package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

// BarStore is an in-memory implementation of storage.BarStore.
type BarStore struct {
	mu   sync.RWMutex
	data map[string]map[string]*domain.Bar // instrument -> date -> bar
}

// NewBarStore creates a new in-memory bar store.
func NewBarStore() *BarStore {
	return &BarStore{
		data: make(map[string]map[string]*domain.Bar),
	}
}

// InsertBulk adds multiple bars. Fails entire batch on duplicate.
func (s *BarStore) InsertBulk(_ context.Context, bars []*domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Track keys in this batch to detect intra-batch duplicates
	batchKeys := make(map[string]struct{}, len(bars))

	// First pass: check for duplicates (existing + intra-batch)
	for _, b := range bars {
		if b == nil || b.Instrument == "" || b.Date.IsZero() {
			return storage.ErrInvalidInput
		}
		day := domain.FormatDate(b.Date)
		if _, exists := s.data[b.Instrument][day]; exists {
			return storage.ErrDuplicateKey
		}
		key := b.Instrument + "|" + day
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	// Second pass: insert all
	for _, b := range bars {
		byDate, ok := s.data[b.Instrument]
		if !ok {
			byDate = make(map[string]*domain.Bar)
			s.data[b.Instrument] = byDate
		}
		barCopy := *b
		barCopy.Date = domain.NormalizeDate(b.Date)
		byDate[domain.FormatDate(b.Date)] = &barCopy
	}

	return nil
}

// GetByDate returns bars dated exactly date for the given instruments.
func (s *BarStore) GetByDate(_ context.Context, instruments []string, date time.Time) (map[string]*domain.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := domain.FormatDate(date)
	result := make(map[string]*domain.Bar, len(instruments))
	for _, inst := range instruments {
		if b, ok := s.data[inst][day]; ok {
			barCopy := *b
			result[inst] = &barCopy
		}
	}
	return result, nil
}

// GetRange retrieves bars for an instrument within [start, end] (inclusive).
func (s *BarStore) GetRange(_ context.Context, instrument string, start, end time.Time) ([]*domain.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, end = domain.NormalizeDate(start), domain.NormalizeDate(end)
	var result []*domain.Bar
	for _, b := range s.data[instrument] {
		if !b.Date.Before(start) && !b.Date.After(end) {
			barCopy := *b
			result = append(result, &barCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Date.Before(result[j].Date)
	})

	return result, nil
}

// TradingDays returns the calendar instrument's bar dates within [start, end].
func (s *BarStore) TradingDays(ctx context.Context, calendar string, start, end time.Time) ([]time.Time, error) {
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

// Instruments lists every instrument with at least one bar.
func (s *BarStore) Instruments(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.data))
	for inst := range s.data {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out, nil
}

var _ storage.BarStore = (*BarStore)(nil)
