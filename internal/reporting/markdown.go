package reporting

import (
	"fmt"
	"strings"
	"time"

	"krx-trend-lab/internal/domain"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder
	s := r.Stats

	// Header
	sb.WriteString(fmt.Sprintf("# Backtest Report: %s\n\n", r.Run.StrategyID))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Run: `%s`\n\n", r.Run.RunID))

	// Run definition
	sb.WriteString("## Run\n\n")
	sb.WriteString("| Parameter | Value |\n")
	sb.WriteString("|-----------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Period | %s to %s |\n", domain.FormatDate(r.Run.StartDate), domain.FormatDate(r.Run.EndDate)))
	sb.WriteString(fmt.Sprintf("| Universe | %d instruments |\n", len(r.Run.Universe)))
	sb.WriteString(fmt.Sprintf("| Calendar | %s |\n", r.Run.Calendar))
	sb.WriteString(fmt.Sprintf("| Initial Capital | %.0f |\n", r.Run.InitialCapital))
	sb.WriteString(fmt.Sprintf("| Risk per Trade | %.2f%% |\n", r.Run.RiskPerTrade*100))
	sb.WriteString("\n")

	// Performance
	sb.WriteString("## Performance\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Final Equity | %.0f |\n", s.FinalEquity))
	sb.WriteString(fmt.Sprintf("| Total P&L | %.0f |\n", s.TotalPnL))
	sb.WriteString(fmt.Sprintf("| Total Return | %.2f%% |\n", s.TotalReturn*100))
	sb.WriteString(fmt.Sprintf("| CAGR | %.2f%% |\n", s.CAGR*100))
	sb.WriteString(fmt.Sprintf("| Max Drawdown | %.0f (%.2f%%) |\n", s.MaxDrawdown, s.MaxDrawdownPct*100))
	if s.MaxDrawdownDate != nil {
		sb.WriteString(fmt.Sprintf("| Max Drawdown Date | %s |\n", domain.FormatDate(*s.MaxDrawdownDate)))
	}
	sb.WriteString(fmt.Sprintf("| Sharpe Ratio | %.2f |\n", s.SharpeRatio))
	sb.WriteString("\n")

	// Trades
	sb.WriteString("## Trades\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Total Trades | %d |\n", s.TotalTrades))
	sb.WriteString(fmt.Sprintf("| Wins / Losses | %d / %d |\n", s.Wins, s.Losses))
	sb.WriteString(fmt.Sprintf("| Win Rate | %.2f%% |\n", s.WinRate*100))
	sb.WriteString(fmt.Sprintf("| Avg Win / Avg Loss | %.0f / %.0f |\n", s.AvgWin, s.AvgLoss))
	sb.WriteString(fmt.Sprintf("| Profit Factor | %.2f |\n", s.ProfitFactor))
	sb.WriteString(fmt.Sprintf("| Avg R-Multiple | %.2f |\n", s.AvgRMultiple))
	sb.WriteString(fmt.Sprintf("| Avg Holding Days | %.1f |\n", s.AvgHoldingDays))
	sb.WriteString(fmt.Sprintf("| Max Consecutive Wins / Losses | %d / %d |\n", s.MaxConsecutiveWins, s.MaxConsecutiveLosses))
	sb.WriteString("\n")

	// Exit reasons
	sb.WriteString("## Exit Reasons\n\n")
	if len(r.ExitReasons) > 0 {
		sb.WriteString("| Reason | Trades | Total P&L | Avg R |\n")
		sb.WriteString("|--------|--------|-----------|-------|\n")
		for _, row := range r.ExitReasons {
			sb.WriteString(fmt.Sprintf("| %s | %d | %.0f | %.2f |\n", row.Reason, row.Trades, row.TotalPnL, row.AvgRMultiple))
		}
	} else {
		sb.WriteString("No closed trades.\n")
	}
	sb.WriteString("\n")

	// Instruments
	if len(r.Instruments) > 0 {
		sb.WriteString("## Instruments\n\n")
		sb.WriteString("| Instrument | Trades | Wins | Total P&L |\n")
		sb.WriteString("|------------|--------|------|-----------|\n")
		for _, row := range r.Instruments {
			sb.WriteString(fmt.Sprintf("| %s | %d | %d | %.0f |\n", row.Instrument, row.Trades, row.Wins, row.TotalPnL))
		}
		sb.WriteString("\n")
	}

	// Open positions
	sb.WriteString("## Open Positions\n\n")
	if len(r.OpenPositions) > 0 {
		sb.WriteString("| Instrument | Entry Date | Entry | Shares | Stop | Last Close |\n")
		sb.WriteString("|------------|------------|-------|--------|------|------------|\n")
		for _, p := range r.OpenPositions {
			sb.WriteString(fmt.Sprintf("| %s | %s | %.0f | %d | %.0f | %.0f |\n",
				p.Instrument, domain.FormatDate(p.EntryDate), p.EntryPrice, p.Shares, p.StopLoss, p.LastClose))
		}
	} else {
		sb.WriteString("None.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}

// RenderComparisonMarkdown renders a run comparison as Markdown string.
func RenderComparisonMarkdown(c *Comparison) string {
	var sb strings.Builder

	sb.WriteString("# Backtest Comparison\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", c.GeneratedAt.Format(time.RFC3339)))

	if len(c.Rows) == 0 {
		sb.WriteString("No stored runs.\n")
		return sb.String()
	}

	sb.WriteString("| Strategy | Period | Instruments | Trades | WinRate | Return | CAGR | MaxDD | Sharpe | PF | Run |\n")
	sb.WriteString("|----------|--------|-------------|--------|---------|--------|------|-------|--------|----|-----|\n")
	for _, r := range c.Rows {
		sb.WriteString(fmt.Sprintf("| %s | %s..%s | %d | %d | %.2f%% | %.2f%% | %.2f%% | %.2f%% | %.2f | %.2f | `%s` |\n",
			r.StrategyID, domain.FormatDate(r.StartDate), domain.FormatDate(r.EndDate),
			r.Instruments, r.TotalTrades, r.WinRate*100, r.TotalReturn*100, r.CAGR*100,
			r.MaxDrawdownPct*100, r.SharpeRatio, r.ProfitFactor, r.RunID))
	}
	sb.WriteString("\n")

	return sb.String()
}
