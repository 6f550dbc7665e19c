// Package metrics computes run statistics from a trade log and equity curve.
package metrics

import (
	"math"
	"sort"
	"time"

	"krx-trend-lab/internal/domain"
)

// Annualisation constants.
const (
	TradingDaysPerYear = 252
	RiskFreeRate       = 0.03
	daysPerYear        = 365.0
)

// Compute calculates all statistics for a run.
// Trades are sorted by ExitDate ASC, Instrument ASC, TradeID ASC before
// computing order-dependent metrics (streaks). Daily records must be in
// ascending date order.
func Compute(run domain.BacktestRun, finalEquity float64, trades []domain.Trade, daily []domain.DailyRecord) domain.RunStats {
	stats := domain.RunStats{
		RunID:          run.RunID,
		InitialCapital: run.InitialCapital,
		FinalEquity:    finalEquity,
		TotalTrades:    len(trades),
	}
	if run.InitialCapital > 0 {
		stats.TotalReturn = (finalEquity - run.InitialCapital) / run.InitialCapital
	}
	stats.CAGR = computeCAGR(run.InitialCapital, finalEquity, run.StartDate, run.EndDate)

	ddAmount, ddPct, ddDate := computeMaxDrawdown(run.InitialCapital, daily)
	stats.MaxDrawdown = ddAmount
	stats.MaxDrawdownPct = ddPct
	stats.MaxDrawdownDate = ddDate
	stats.SharpeRatio = computeSharpe(daily)

	if len(trades) == 0 {
		return stats
	}

	sorted := sortTrades(trades)

	var pnls, rs, winPnls, lossPnls []float64
	var holding int
	for _, t := range sorted {
		pnls = append(pnls, t.PnL)
		rs = append(rs, t.RMultiple)
		holding += t.HoldingDays
		switch {
		case t.PnL > 0:
			winPnls = append(winPnls, t.PnL)
		case t.PnL < 0:
			lossPnls = append(lossPnls, -t.PnL)
		}
	}

	stats.Wins = len(winPnls)
	stats.Losses = len(sorted) - stats.Wins
	stats.WinRate = computeWinRate(stats.Wins, len(sorted))
	stats.AvgPnL = computeMean(pnls)
	stats.TotalPnL = stats.AvgPnL * float64(len(pnls))
	stats.AvgWin = computeMean(winPnls)
	stats.AvgLoss = computeMean(lossPnls)
	stats.ProfitFactor = computeProfitFactor(winPnls, lossPnls)
	stats.AvgRMultiple = computeMean(rs)
	stats.AvgHoldingDays = float64(holding) / float64(len(sorted))
	stats.MaxConsecutiveWins, stats.MaxConsecutiveLosses = computeStreaks(sorted)

	return stats
}

// sortTrades returns a deterministic chronological copy.
func sortTrades(trades []domain.Trade) []domain.Trade {
	out := make([]domain.Trade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExitDate.Equal(out[j].ExitDate) {
			return out[i].ExitDate.Before(out[j].ExitDate)
		}
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}

// computeWinRate calculates win rate as wins / total.
func computeWinRate(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}

// computeMean calculates arithmetic mean.
func computeMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// computeStddev calculates sample standard deviation (n-1 denominator).
func computeStddev(values []float64, mean float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// computeProfitFactor is gross wins / gross losses, 0 without losses.
func computeProfitFactor(wins, losses []float64) float64 {
	var gw, gl float64
	for _, w := range wins {
		gw += w
	}
	for _, l := range losses {
		gl += l
	}
	if gl == 0 {
		return 0
	}
	return gw / gl
}

// computeCAGR annualises the total return over the run's calendar span.
// Spans under one day count as one year.
func computeCAGR(initial, final float64, start, end time.Time) float64 {
	if initial <= 0 || final <= 0 {
		return 0
	}
	days := end.Sub(start).Hours() / 24
	years := 1.0
	if days > 0 {
		years = days / daysPerYear
	}
	return math.Pow(final/initial, 1/years) - 1
}

// computeMaxDrawdown finds the deepest fractional decline from the running peak.
// The peak starts at initial capital. Returns the amount and fraction at that
// point and its date, nil when equity never fell below a peak.
func computeMaxDrawdown(initial float64, daily []domain.DailyRecord) (float64, float64, *time.Time) {
	peak := initial
	var maxAmount, maxPct float64
	var maxDate *time.Time

	for _, rec := range daily {
		if rec.Equity > peak {
			peak = rec.Equity
		}
		if peak <= 0 {
			continue
		}
		amount := peak - rec.Equity
		pct := amount / peak
		if pct > maxPct {
			maxPct = pct
			maxAmount = amount
			d := rec.Date
			maxDate = &d
		}
	}
	return maxAmount, maxPct, maxDate
}

// computeSharpe annualises daily equity returns against the risk-free rate.
// Needs at least two returns and non-zero volatility, otherwise 0.
func computeSharpe(daily []domain.DailyRecord) float64 {
	if len(daily) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(daily)-1)
	for i := 1; i < len(daily); i++ {
		prev := daily[i-1].Equity
		if prev > 0 {
			returns = append(returns, (daily[i].Equity-prev)/prev)
		}
	}
	if len(returns) < 2 {
		return 0
	}

	mean := computeMean(returns)
	std := computeStddev(returns, mean)
	if std == 0 || math.IsNaN(std) {
		return 0
	}

	annualReturn := mean * TradingDaysPerYear
	annualStd := std * math.Sqrt(TradingDaysPerYear)
	return (annualReturn - RiskFreeRate) / annualStd
}

// computeStreaks finds the longest runs of pnl > 0 and pnl <= 0.
// Trades must be in chronological order.
func computeStreaks(trades []domain.Trade) (int, int) {
	var maxWins, maxLosses, wins, losses int
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
			losses = 0
		} else {
			losses++
			wins = 0
		}
		if wins > maxWins {
			maxWins = wins
		}
		if losses > maxLosses {
			maxLosses = losses
		}
	}
	return maxWins, maxLosses
}
