package parquet

import (
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"krx-trend-lab/internal/domain"
)

// TradeRecord is the Parquet schema for exported trades.
type TradeRecord struct {
	TradeID      string  `parquet:"trade_id"`
	RunID        string  `parquet:"run_id"`
	Instrument   string  `parquet:"instrument"`
	EntryDate    int64   `parquet:"entry_date,timestamp(millisecond)"`
	EntryPrice   float64 `parquet:"entry_price"`
	Shares       int64   `parquet:"shares"`
	InitialStop  float64 `parquet:"initial_stop"`
	ATRAtEntry   float64 `parquet:"atr_at_entry"`
	ExitDate     int64   `parquet:"exit_date,timestamp(millisecond)"`
	ExitPrice    float64 `parquet:"exit_price"`
	ExitReason   string  `parquet:"exit_reason"`
	HighestClose float64 `parquet:"highest_close"`
	PnL          float64 `parquet:"pnl"`
	PnLPct       float64 `parquet:"pnl_pct"`
	RMultiple    float64 `parquet:"r_multiple"`
	HoldingDays  int32   `parquet:"holding_days"`
}

// WriteTrades exports trades to a Parquet file in close order.
func WriteTrades(path string, trades []domain.Trade) error {
	records := make([]TradeRecord, len(trades))
	for i, t := range trades {
		records[i] = TradeRecord{
			TradeID:      t.TradeID,
			RunID:        t.RunID,
			Instrument:   t.Instrument,
			EntryDate:    t.EntryDate.UnixMilli(),
			EntryPrice:   t.EntryPrice,
			Shares:       t.Shares,
			InitialStop:  t.InitialStop,
			ATRAtEntry:   t.ATRAtEntry,
			ExitDate:     t.ExitDate.UnixMilli(),
			ExitPrice:    t.ExitPrice,
			ExitReason:   string(t.ExitReason),
			HighestClose: t.HighestClose,
			PnL:          t.PnL,
			PnLPct:       t.PnLPct,
			RMultiple:    t.RMultiple,
			HoldingDays:  int32(t.HoldingDays),
		}
	}
	if err := writeFile(path, records); err != nil {
		return fmt.Errorf("write trades: %w", err)
	}
	return nil
}

// ReadTrades reads a file written by WriteTrades.
func ReadTrades(path string) ([]domain.Trade, error) {
	records, err := parquet.ReadFile[TradeRecord](path)
	if err != nil {
		return nil, fmt.Errorf("read trades: %w", err)
	}
	out := make([]domain.Trade, len(records))
	for i, r := range records {
		out[i] = domain.Trade{
			TradeID:      r.TradeID,
			RunID:        r.RunID,
			Instrument:   r.Instrument,
			EntryDate:    domain.NormalizeDate(time.UnixMilli(r.EntryDate)),
			EntryPrice:   r.EntryPrice,
			Shares:       r.Shares,
			InitialStop:  r.InitialStop,
			ATRAtEntry:   r.ATRAtEntry,
			ExitDate:     domain.NormalizeDate(time.UnixMilli(r.ExitDate)),
			ExitPrice:    r.ExitPrice,
			ExitReason:   domain.ExitReason(r.ExitReason),
			HighestClose: r.HighestClose,
			PnL:          r.PnL,
			PnLPct:       r.PnLPct,
			RMultiple:    r.RMultiple,
			HoldingDays:  int(r.HoldingDays),
		}
	}
	return out, nil
}
