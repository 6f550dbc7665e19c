package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(runID string, created time.Time) *domain.RunRecord {
	dd := domain.MustDate("2024-01-03")
	return &domain.RunRecord{
		Run: domain.BacktestRun{
			RunID:          runID,
			StrategyID:     "ema",
			StartDate:      domain.MustDate("2024-01-02"),
			EndDate:        domain.MustDate("2024-01-05"),
			Universe:       []string{"000660", "005930"},
			InitialCapital: 10_000_000,
			RiskPerTrade:   0.01,
			Calendar:       domain.DefaultCalendar,
			CreatedAt:      created,
		},
		Trades: []domain.Trade{
			{
				TradeID: runID + "-b", RunID: runID, Instrument: "005930",
				EntryDate: domain.MustDate("2024-01-02"), EntryPrice: 70000, Shares: 10,
				InitialStop: 66000, ATRAtEntry: 1600,
				ExitDate: domain.MustDate("2024-01-04"), ExitPrice: 66000, ExitReason: domain.ExitTrailingStop,
				HighestClose: 71000, PnL: -40000, PnLPct: -0.0571, RMultiple: -1, HoldingDays: 2,
			},
			{
				TradeID: runID + "-a", RunID: runID, Instrument: "000660",
				EntryDate: domain.MustDate("2024-01-02"), EntryPrice: 130000, Shares: 5,
				InitialStop: 120000, ATRAtEntry: 4000,
				ExitDate: domain.MustDate("2024-01-05"), ExitPrice: 140000, ExitReason: domain.ExitEMA,
				HighestClose: 142000, PnL: 50000, PnLPct: 0.0769, RMultiple: 1, HoldingDays: 3,
			},
		},
		OpenPositions: []domain.Position{
			{Instrument: "035420", EntryDate: domain.MustDate("2024-01-05"), EntryPrice: 200000, Shares: 3,
				InitialStop: 190000, StopLoss: 192000, HighestClose: 201000, ATRAtEntry: 4000, LastClose: 201000},
		},
		Daily: []domain.DailyRecord{
			{Date: domain.MustDate("2024-01-03"), Equity: 9_980_000, Cash: 8_650_000, PositionCount: 2, OpenRisk: 60000},
			{Date: domain.MustDate("2024-01-02"), Equity: 10_000_000, Cash: 8_650_000, PositionCount: 2, OpenRisk: 90000},
		},
		Stats: domain.RunStats{
			RunID: runID, InitialCapital: 10_000_000, FinalEquity: 10_010_000, TotalPnL: 10000,
			TotalTrades: 2, Wins: 1, Losses: 1, WinRate: 0.5, ProfitFactor: 1.25,
			MaxDrawdown: 20000, MaxDrawdownPct: 0.002, MaxDrawdownDate: &dd,
			MaxConsecutiveWins: 1, MaxConsecutiveLosses: 1,
		},
	}
}

func TestRunRepository_SaveAndGet(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))
	ctx := context.Background()
	rec := testRecord("run-001", time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC))

	require.NoError(t, repo.SaveRun(ctx, rec))

	run, err := repo.GetRun(ctx, "run-001")
	require.NoError(t, err)
	assert.Equal(t, rec.Run, *run)

	trades, err := repo.GetTrades(ctx, "run-001")
	require.NoError(t, err)
	assert.Equal(t, rec.Trades, trades, "trades come back in close order, not id order")

	positions, err := repo.GetOpenPositions(ctx, "run-001")
	require.NoError(t, err)
	assert.Equal(t, rec.OpenPositions, positions)

	daily, err := repo.GetDailyRecords(ctx, "run-001")
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, "2024-01-02", domain.FormatDate(daily[0].Date))

	stats, err := repo.GetStats(ctx, "run-001")
	require.NoError(t, err)
	assert.Equal(t, rec.Stats, *stats)
}

func TestRunRepository_NilDrawdownDate(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))
	ctx := context.Background()
	rec := testRecord("run-flat", time.Now().UTC())
	rec.Stats.MaxDrawdownDate = nil

	require.NoError(t, repo.SaveRun(ctx, rec))
	stats, err := repo.GetStats(ctx, "run-flat")
	require.NoError(t, err)
	assert.Nil(t, stats.MaxDrawdownDate)
}

func TestRunRepository_Duplicate(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))
	ctx := context.Background()
	rec := testRecord("run-dup", time.Now().UTC())

	require.NoError(t, repo.SaveRun(ctx, rec))
	require.ErrorIs(t, repo.SaveRun(ctx, rec), storage.ErrDuplicateKey)

	trades, err := repo.GetTrades(ctx, "run-dup")
	require.NoError(t, err)
	assert.Len(t, trades, 2, "failed save must not add rows")
}

func TestRunRepository_DeleteCascades(t *testing.T) {
	db := openTestDB(t)
	repo := NewRunRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.SaveRun(ctx, testRecord("run-del", time.Now().UTC())))
	require.NoError(t, repo.DeleteRun(ctx, "run-del"))
	require.ErrorIs(t, repo.DeleteRun(ctx, "run-del"), storage.ErrNotFound)

	_, err := repo.GetRun(ctx, "run-del")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetTrades(ctx, "run-del")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetStats(ctx, "run-del")
	require.ErrorIs(t, err, storage.ErrNotFound)

	var orphans int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(1) FROM backtest_daily WHERE run_id = ?`, "run-del").Scan(&orphans))
	assert.Zero(t, orphans)
}

func TestRunRepository_ListRunsNewestFirst(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SaveRun(ctx, testRecord("old", base)))
	require.NoError(t, repo.SaveRun(ctx, testRecord("new", base.Add(time.Hour))))
	require.NoError(t, repo.SaveRun(ctx, testRecord("mid", base.Add(time.Millisecond))))

	runs, err := repo.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{runs[0].RunID, runs[1].RunID, runs[2].RunID})
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	ctx := context.Background()

	db, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, NewRunRepository(db).SaveRun(ctx, testRecord("kept", time.Now().UTC())))
	require.NoError(t, db.Close())

	// Migrations are idempotent and data survives.
	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	_, err = NewRunRepository(db).GetRun(ctx, "kept")
	require.NoError(t, err)
}
