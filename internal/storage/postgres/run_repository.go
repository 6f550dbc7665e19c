package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

// RunRepository implements storage.RunRepository using PostgreSQL.
type RunRepository struct {
	pool *Pool
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(pool *Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

// Compile-time interface check.
var _ storage.RunRepository = (*RunRepository)(nil)

const tradeColumns = `
	trade_id, run_id, instrument, entry_date, entry_price, shares, initial_stop, atr_at_entry,
	exit_date, exit_price, exit_reason, highest_close, pnl, pnl_pct, r_multiple, holding_days`

const positionColumns = `
	instrument, entry_date, entry_price, shares, initial_stop, stop_loss,
	highest_close, atr_at_entry, last_close`

const statsColumns = `
	run_id, initial_capital, final_equity, total_pnl, total_return, cagr,
	total_trades, wins, losses, win_rate, avg_pnl, avg_win, avg_loss, profit_factor, avg_r_multiple,
	max_drawdown, max_drawdown_pct, max_drawdown_date, sharpe_ratio,
	avg_holding_days, max_consecutive_wins, max_consecutive_losses`

// SaveRun writes the whole run in one transaction.
// Returns ErrDuplicateKey if run_id exists; nothing is written in that case.
func (r *RunRepository) SaveRun(ctx context.Context, rec *domain.RunRecord) error {
	if rec == nil || rec.Run.RunID == "" {
		return storage.ErrInvalidInput
	}

	run := rec.Run
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO backtest_runs (
				run_id, strategy_id, start_date, end_date, universe,
				initial_capital, risk_per_trade, calendar, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			run.RunID, run.StrategyID, run.StartDate, run.EndDate, run.Universe,
			run.InitialCapital, run.RiskPerTrade, run.Calendar, run.CreatedAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert run: %w", err)
		}

		for i, t := range rec.Trades {
			_, err := tx.Exec(ctx, `
				INSERT INTO backtest_trades (seq, `+tradeColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			`,
				i, t.TradeID, run.RunID, t.Instrument, t.EntryDate, t.EntryPrice, t.Shares, t.InitialStop, t.ATRAtEntry,
				t.ExitDate, t.ExitPrice, string(t.ExitReason), t.HighestClose, t.PnL, t.PnLPct, t.RMultiple, t.HoldingDays,
			)
			if err != nil {
				if isDuplicateKeyError(err) {
					return storage.ErrDuplicateKey
				}
				return fmt.Errorf("insert trade %s: %w", t.TradeID, err)
			}
		}

		for _, p := range rec.OpenPositions {
			_, err := tx.Exec(ctx, `
				INSERT INTO backtest_positions (run_id, `+positionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`,
				run.RunID, p.Instrument, p.EntryDate, p.EntryPrice, p.Shares, p.InitialStop, p.StopLoss,
				p.HighestClose, p.ATRAtEntry, p.LastClose,
			)
			if err != nil {
				return fmt.Errorf("insert position %s: %w", p.Instrument, err)
			}
		}

		// The equity curve is the bulk of a run; COPY it.
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"backtest_daily"},
			[]string{"run_id", "date", "equity", "cash", "position_count", "open_risk"},
			pgx.CopyFromSlice(len(rec.Daily), func(i int) ([]any, error) {
				d := rec.Daily[i]
				return []any{run.RunID, d.Date, d.Equity, d.Cash, d.PositionCount, d.OpenRisk}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy daily records: %w", err)
		}

		s := rec.Stats
		_, err = tx.Exec(ctx, `
			INSERT INTO backtest_stats (`+statsColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		`,
			run.RunID, s.InitialCapital, s.FinalEquity, s.TotalPnL, s.TotalReturn, s.CAGR,
			s.TotalTrades, s.Wins, s.Losses, s.WinRate, s.AvgPnL, s.AvgWin, s.AvgLoss, s.ProfitFactor, s.AvgRMultiple,
			s.MaxDrawdown, s.MaxDrawdownPct, s.MaxDrawdownDate, s.SharpeRatio,
			s.AvgHoldingDays, s.MaxConsecutiveWins, s.MaxConsecutiveLosses,
		)
		if err != nil {
			return fmt.Errorf("insert stats: %w", err)
		}
		return nil
	})
}

// DeleteRun removes a run; child rows cascade. Returns ErrNotFound if absent.
func (r *RunRepository) DeleteRun(ctx context.Context, runID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM backtest_runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetRun retrieves a run definition. Returns ErrNotFound if not exists.
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*domain.BacktestRun, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT run_id, strategy_id, start_date, end_date, universe,
		       initial_capital, risk_per_trade, calendar, created_at
		FROM backtest_runs
		WHERE run_id = $1
	`, runID)

	run, err := scanRun(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetTrades retrieves all trades for a run in close order.
func (r *RunRepository) GetTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	if err := r.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM backtest_trades
		WHERE run_id = $1
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var reason string
		err := rows.Scan(
			&t.TradeID, &t.RunID, &t.Instrument, &t.EntryDate, &t.EntryPrice, &t.Shares, &t.InitialStop, &t.ATRAtEntry,
			&t.ExitDate, &t.ExitPrice, &reason, &t.HighestClose, &t.PnL, &t.PnLPct, &t.RMultiple, &t.HoldingDays,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		t.ExitReason = domain.ExitReason(reason)
		t.EntryDate = domain.NormalizeDate(t.EntryDate)
		t.ExitDate = domain.NormalizeDate(t.ExitDate)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}
	return trades, nil
}

// GetOpenPositions retrieves positions left open at cutoff, ascending instrument.
func (r *RunRepository) GetOpenPositions(ctx context.Context, runID string) ([]domain.Position, error) {
	if err := r.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM backtest_positions
		WHERE run_id = $1
		ORDER BY instrument ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		err := rows.Scan(
			&p.Instrument, &p.EntryDate, &p.EntryPrice, &p.Shares, &p.InitialStop, &p.StopLoss,
			&p.HighestClose, &p.ATRAtEntry, &p.LastClose,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		p.EntryDate = domain.NormalizeDate(p.EntryDate)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}
	return positions, nil
}

// GetDailyRecords retrieves the equity curve, ascending date.
func (r *RunRepository) GetDailyRecords(ctx context.Context, runID string) ([]domain.DailyRecord, error) {
	if err := r.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT date, equity, cash, position_count, open_risk
		FROM backtest_daily
		WHERE run_id = $1
		ORDER BY date ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get daily records: %w", err)
	}
	defer rows.Close()

	var records []domain.DailyRecord
	for rows.Next() {
		var d domain.DailyRecord
		if err := rows.Scan(&d.Date, &d.Equity, &d.Cash, &d.PositionCount, &d.OpenRisk); err != nil {
			return nil, fmt.Errorf("scan daily row: %w", err)
		}
		d.Date = domain.NormalizeDate(d.Date)
		records = append(records, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily rows: %w", err)
	}
	return records, nil
}

// GetStats retrieves run statistics. Returns ErrNotFound if not exists.
func (r *RunRepository) GetStats(ctx context.Context, runID string) (*domain.RunStats, error) {
	var s domain.RunStats
	var ddDate *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT `+statsColumns+`
		FROM backtest_stats
		WHERE run_id = $1
	`, runID).Scan(
		&s.RunID, &s.InitialCapital, &s.FinalEquity, &s.TotalPnL, &s.TotalReturn, &s.CAGR,
		&s.TotalTrades, &s.Wins, &s.Losses, &s.WinRate, &s.AvgPnL, &s.AvgWin, &s.AvgLoss, &s.ProfitFactor, &s.AvgRMultiple,
		&s.MaxDrawdown, &s.MaxDrawdownPct, &ddDate, &s.SharpeRatio,
		&s.AvgHoldingDays, &s.MaxConsecutiveWins, &s.MaxConsecutiveLosses,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get stats: %w", err)
	}
	if ddDate != nil {
		d := domain.NormalizeDate(*ddDate)
		s.MaxDrawdownDate = &d
	}
	return &s, nil
}

// ListRuns returns all run definitions, newest first.
func (r *RunRepository) ListRuns(ctx context.Context) ([]*domain.BacktestRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, strategy_id, start_date, end_date, universe,
		       initial_capital, risk_per_trade, calendar, created_at
		FROM backtest_runs
		ORDER BY created_at DESC, run_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.BacktestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// requireRun maps an unknown run ID to ErrNotFound for child-table reads.
func (r *RunRepository) requireRun(ctx context.Context, runID string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM backtest_runs WHERE run_id = $1)`, runID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

// scanRun scans a single row into a BacktestRun.
func scanRun(row pgx.Row) (*domain.BacktestRun, error) {
	var run domain.BacktestRun
	err := row.Scan(
		&run.RunID, &run.StrategyID, &run.StartDate, &run.EndDate, &run.Universe,
		&run.InitialCapital, &run.RiskPerTrade, &run.Calendar, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.StartDate = domain.NormalizeDate(run.StartDate)
	run.EndDate = domain.NormalizeDate(run.EndDate)
	run.CreatedAt = run.CreatedAt.UTC()
	return &run, nil
}
