package memory

import (
	"context"
	"sort"
	"sync"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

// RunRepository is an in-memory implementation of storage.RunRepository.
type RunRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.RunRecord // keyed by run_id
}

// NewRunRepository creates a new in-memory run repository.
func NewRunRepository() *RunRepository {
	return &RunRepository{
		data: make(map[string]*domain.RunRecord),
	}
}

// SaveRun stores a deep copy of rec. Returns ErrDuplicateKey if run_id exists.
func (r *RunRepository) SaveRun(_ context.Context, rec *domain.RunRecord) error {
	if rec == nil || rec.Run.RunID == "" {
		return storage.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[rec.Run.RunID]; exists {
		return storage.ErrDuplicateKey
	}

	// Trade IDs must be unique within the run
	seen := make(map[string]struct{}, len(rec.Trades))
	for _, t := range rec.Trades {
		if t.TradeID == "" {
			return storage.ErrInvalidInput
		}
		if _, dup := seen[t.TradeID]; dup {
			return storage.ErrDuplicateKey
		}
		seen[t.TradeID] = struct{}{}
	}

	r.data[rec.Run.RunID] = cloneRecord(rec)
	return nil
}

// DeleteRun removes a run. Returns ErrNotFound if absent.
func (r *RunRepository) DeleteRun(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[runID]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data, runID)
	return nil
}

// GetRun retrieves a run definition. Returns ErrNotFound if not exists.
func (r *RunRepository) GetRun(_ context.Context, runID string) (*domain.BacktestRun, error) {
	rec, err := r.get(runID)
	if err != nil {
		return nil, err
	}
	run := cloneRun(rec.Run)
	return &run, nil
}

// GetTrades retrieves all trades for a run in close order.
func (r *RunRepository) GetTrades(_ context.Context, runID string) ([]domain.Trade, error) {
	rec, err := r.get(runID)
	if err != nil {
		return nil, err
	}
	return append([]domain.Trade(nil), rec.Trades...), nil
}

// GetOpenPositions retrieves positions left open at cutoff.
func (r *RunRepository) GetOpenPositions(_ context.Context, runID string) ([]domain.Position, error) {
	rec, err := r.get(runID)
	if err != nil {
		return nil, err
	}
	out := append([]domain.Position(nil), rec.OpenPositions...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Instrument < out[j].Instrument
	})
	return out, nil
}

// GetDailyRecords retrieves the equity curve.
func (r *RunRepository) GetDailyRecords(_ context.Context, runID string) ([]domain.DailyRecord, error) {
	rec, err := r.get(runID)
	if err != nil {
		return nil, err
	}
	return append([]domain.DailyRecord(nil), rec.Daily...), nil
}

// GetStats retrieves summary statistics.
func (r *RunRepository) GetStats(_ context.Context, runID string) (*domain.RunStats, error) {
	rec, err := r.get(runID)
	if err != nil {
		return nil, err
	}
	stats := rec.Stats
	if rec.Stats.MaxDrawdownDate != nil {
		d := *rec.Stats.MaxDrawdownDate
		stats.MaxDrawdownDate = &d
	}
	return &stats, nil
}

// ListRuns retrieves all run definitions, newest first.
func (r *RunRepository) ListRuns(_ context.Context) ([]*domain.BacktestRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.BacktestRun, 0, len(r.data))
	for _, rec := range r.data {
		run := cloneRun(rec.Run)
		result = append(result, &run)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].RunID < result[j].RunID
	})

	return result, nil
}

func (r *RunRepository) get(runID string) (*domain.RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.data[runID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func cloneRun(run domain.BacktestRun) domain.BacktestRun {
	run.Universe = append([]string(nil), run.Universe...)
	return run
}

func cloneRecord(rec *domain.RunRecord) *domain.RunRecord {
	out := &domain.RunRecord{
		Run:           cloneRun(rec.Run),
		Trades:        append([]domain.Trade(nil), rec.Trades...),
		OpenPositions: append([]domain.Position(nil), rec.OpenPositions...),
		Daily:         append([]domain.DailyRecord(nil), rec.Daily...),
		Stats:         rec.Stats,
	}
	if rec.Stats.MaxDrawdownDate != nil {
		d := *rec.Stats.MaxDrawdownDate
		out.Stats.MaxDrawdownDate = &d
	}
	return out
}

var _ storage.RunRepository = (*RunRepository)(nil)
