package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage"
)

// RunRepository implements storage.RunRepository using SQLite.
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
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

const runColumns = `
	run_id, strategy_id, start_date, end_date, universe,
	initial_capital, risk_per_trade, calendar, created_at`

// SaveRun writes the whole run in one transaction.
// Returns ErrDuplicateKey if run_id exists; nothing is written in that case.
func (r *RunRepository) SaveRun(ctx context.Context, rec *domain.RunRecord) error {
	if rec == nil || rec.Run.RunID == "" {
		return storage.ErrInvalidInput
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	run := rec.Run
	_, err = tx.ExecContext(ctx, `INSERT INTO backtest_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.StrategyID, formatDate(run.StartDate), formatDate(run.EndDate), joinUniverse(run.Universe),
		run.InitialCapital, run.RiskPerTrade, run.Calendar, run.CreatedAt.UTC().Format(createdAtLayout),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert run: %w", err)
	}

	tradeStmt, err := tx.PrepareContext(ctx, `INSERT INTO backtest_trades (seq, `+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare trade insert: %w", err)
	}
	defer tradeStmt.Close()

	for i, t := range rec.Trades {
		_, err := tradeStmt.ExecContext(ctx,
			i, t.TradeID, run.RunID, t.Instrument, formatDate(t.EntryDate), t.EntryPrice, t.Shares, t.InitialStop, t.ATRAtEntry,
			formatDate(t.ExitDate), t.ExitPrice, string(t.ExitReason), t.HighestClose, t.PnL, t.PnLPct, t.RMultiple, t.HoldingDays,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert trade %s: %w", t.TradeID, err)
		}
	}

	for _, p := range rec.OpenPositions {
		_, err := tx.ExecContext(ctx, `INSERT INTO backtest_positions (run_id, `+positionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, p.Instrument, formatDate(p.EntryDate), p.EntryPrice, p.Shares, p.InitialStop, p.StopLoss,
			p.HighestClose, p.ATRAtEntry, p.LastClose,
		)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", p.Instrument, err)
		}
	}

	dailyStmt, err := tx.PrepareContext(ctx, `INSERT INTO backtest_daily (run_id, date, equity, cash, position_count, open_risk)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare daily insert: %w", err)
	}
	defer dailyStmt.Close()

	for _, d := range rec.Daily {
		if _, err := dailyStmt.ExecContext(ctx, run.RunID, formatDate(d.Date), d.Equity, d.Cash, d.PositionCount, d.OpenRisk); err != nil {
			return fmt.Errorf("insert daily record %s: %w", formatDate(d.Date), err)
		}
	}

	s := rec.Stats
	var ddDate any
	if s.MaxDrawdownDate != nil {
		ddDate = formatDate(*s.MaxDrawdownDate)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO backtest_stats (`+statsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, s.InitialCapital, s.FinalEquity, s.TotalPnL, s.TotalReturn, s.CAGR,
		s.TotalTrades, s.Wins, s.Losses, s.WinRate, s.AvgPnL, s.AvgWin, s.AvgLoss, s.ProfitFactor, s.AvgRMultiple,
		s.MaxDrawdown, s.MaxDrawdownPct, ddDate, s.SharpeRatio,
		s.AvgHoldingDays, s.MaxConsecutiveWins, s.MaxConsecutiveLosses,
	)
	if err != nil {
		return fmt.Errorf("insert stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// DeleteRun removes a run; child rows cascade. Returns ErrNotFound if absent.
func (r *RunRepository) DeleteRun(ctx context.Context, runID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM backtest_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetRun retrieves a run definition. Returns ErrNotFound if not exists.
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*domain.BacktestRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE run_id = ?`, runID)
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

	rows, err := r.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM backtest_trades WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var reason, entry, exit string
		err := rows.Scan(
			&t.TradeID, &t.RunID, &t.Instrument, &entry, &t.EntryPrice, &t.Shares, &t.InitialStop, &t.ATRAtEntry,
			&exit, &t.ExitPrice, &reason, &t.HighestClose, &t.PnL, &t.PnLPct, &t.RMultiple, &t.HoldingDays,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		if t.EntryDate, err = parseDate(entry); err != nil {
			return nil, err
		}
		if t.ExitDate, err = parseDate(exit); err != nil {
			return nil, err
		}
		t.ExitReason = domain.ExitReason(reason)
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

	rows, err := r.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM backtest_positions WHERE run_id = ? ORDER BY instrument ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var entry string
		err := rows.Scan(
			&p.Instrument, &entry, &p.EntryPrice, &p.Shares, &p.InitialStop, &p.StopLoss,
			&p.HighestClose, &p.ATRAtEntry, &p.LastClose,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		if p.EntryDate, err = parseDate(entry); err != nil {
			return nil, err
		}
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

	rows, err := r.db.QueryContext(ctx, `
		SELECT date, equity, cash, position_count, open_risk
		FROM backtest_daily
		WHERE run_id = ?
		ORDER BY date ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get daily records: %w", err)
	}
	defer rows.Close()

	var records []domain.DailyRecord
	for rows.Next() {
		var d domain.DailyRecord
		var date string
		if err := rows.Scan(&date, &d.Equity, &d.Cash, &d.PositionCount, &d.OpenRisk); err != nil {
			return nil, fmt.Errorf("scan daily row: %w", err)
		}
		if d.Date, err = parseDate(date); err != nil {
			return nil, err
		}
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
	var ddDate sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT `+statsColumns+` FROM backtest_stats WHERE run_id = ?`, runID).Scan(
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
	if ddDate.Valid {
		d, err := parseDate(ddDate.String)
		if err != nil {
			return nil, err
		}
		s.MaxDrawdownDate = &d
	}
	return &s, nil
}

// ListRuns returns all run definitions, newest first.
func (r *RunRepository) ListRuns(ctx context.Context) ([]*domain.BacktestRun, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM backtest_runs ORDER BY created_at DESC, run_id ASC`)
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

func (r *RunRepository) requireRun(ctx context.Context, runID string) error {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM backtest_runs WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.BacktestRun, error) {
	var run domain.BacktestRun
	var start, end, universe, created string
	err := row.Scan(
		&run.RunID, &run.StrategyID, &start, &end, &universe,
		&run.InitialCapital, &run.RiskPerTrade, &run.Calendar, &created,
	)
	if err != nil {
		return nil, err
	}
	if run.StartDate, err = parseDate(start); err != nil {
		return nil, err
	}
	if run.EndDate, err = parseDate(end); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = time.Parse(createdAtLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	run.Universe = splitUniverse(universe)
	return &run, nil
}
