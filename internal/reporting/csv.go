package reporting

import (
	"fmt"
	"strings"

	"krx-trend-lab/internal/domain"
)

// TradeCSVHeader is the column order of RenderTradesCSV.
const TradeCSVHeader = "instrument,entry_date,entry_price,exit_date,exit_price,shares,exit_reason,pnl,pnl_pct,r_multiple"

// RenderTradesCSV renders the trade log as CSV string, one row per trade in close order.
func RenderTradesCSV(trades []domain.Trade) string {
	var sb strings.Builder

	sb.WriteString(TradeCSVHeader)
	sb.WriteString("\n")

	for _, t := range trades {
		sb.WriteString(fmt.Sprintf("%s,%s,%.2f,%s,%.2f,%d,%s,%.2f,%.6f,%.4f\n",
			t.Instrument,
			domain.FormatDate(t.EntryDate),
			t.EntryPrice,
			domain.FormatDate(t.ExitDate),
			t.ExitPrice,
			t.Shares,
			t.ExitReason,
			t.PnL,
			t.PnLPct,
			t.RMultiple,
		))
	}

	return sb.String()
}

// RenderEquityCSV renders the equity curve as CSV string.
func RenderEquityCSV(daily []domain.DailyRecord) string {
	var sb strings.Builder

	sb.WriteString("date,equity,cash,position_count,open_risk\n")
	for _, d := range daily {
		sb.WriteString(fmt.Sprintf("%s,%.2f,%.2f,%d,%.2f\n",
			domain.FormatDate(d.Date), d.Equity, d.Cash, d.PositionCount, d.OpenRisk))
	}

	return sb.String()
}

// RenderComparisonCSV renders a run comparison as CSV string.
func RenderComparisonCSV(c *Comparison) string {
	var sb strings.Builder

	sb.WriteString("run_id,strategy_id,start_date,end_date,instruments,total_trades,win_rate,")
	sb.WriteString("total_return,cagr,max_drawdown_pct,sharpe_ratio,profit_factor\n")
	for _, r := range c.Rows {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%s,%d,%d,%.6f,%.6f,%.6f,%.6f,%.4f,%.4f\n",
			r.RunID, r.StrategyID, domain.FormatDate(r.StartDate), domain.FormatDate(r.EndDate),
			r.Instruments, r.TotalTrades, r.WinRate,
			r.TotalReturn, r.CAGR, r.MaxDrawdownPct, r.SharpeRatio, r.ProfitFactor,
		))
	}

	return sb.String()
}
