package indicator

import (
	"math"

	"krx-trend-lab/internal/domain"
)

// Series helpers return one value per input element.
// Warm-up positions hold NaN; callers drop them so absent stays absent.

func closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// sma is the simple moving average over a rolling window of n values.
func sma(values []float64, n int) []float64 {
	out := nanSeries(len(values))
	if n <= 0 {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// ema is the exponential moving average with alpha = 2/(n+1),
// seeded with the simple average of the first n values.
func ema(values []float64, n int) []float64 {
	out := nanSeries(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	alpha := 2.0 / float64(n+1)
	seed := 0.0
	for i := 0; i < n; i++ {
		seed += values[i]
	}
	prev := seed / float64(n)
	out[n-1] = prev
	for i := n; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// trueRange uses the previous close when one exists.
func trueRange(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		tr := b.High - b.Low
		if i > 0 {
			prev := bars[i-1].Close
			tr = math.Max(tr, math.Abs(b.High-prev))
			tr = math.Max(tr, math.Abs(b.Low-prev))
		}
		out[i] = tr
	}
	return out
}

// atr is Wilder's average true range seeded with the mean of the first n ranges.
func atr(bars []domain.Bar, n int) []float64 {
	out := nanSeries(len(bars))
	if n <= 0 || len(bars) < n {
		return out
	}
	tr := trueRange(bars)
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += tr[i]
	}
	prev := sum / float64(n)
	out[n-1] = prev
	for i := n; i < len(bars); i++ {
		prev = (prev*float64(n-1) + tr[i]) / float64(n)
		out[i] = prev
	}
	return out
}

// highPrior is the highest value of the n elements strictly before i.
// The current element never contributes, so a breakout test against it
// cannot see the day being decided.
func highPrior(values []float64, n int) []float64 {
	out := nanSeries(len(values))
	if n <= 0 {
		return out
	}
	for i := n; i < len(values); i++ {
		hi := values[i-n]
		for j := i - n + 1; j < i; j++ {
			if values[j] > hi {
				hi = values[j]
			}
		}
		out[i] = hi
	}
	return out
}

// rsi is Wilder's relative strength index.
func rsi(values []float64, n int) []float64 {
	out := nanSeries(len(values))
	if n <= 0 || len(values) <= n {
		return out
	}
	gain, loss := 0.0, 0.0
	for i := 1; i <= n; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)
	out[n] = rsiValue(avgGain, avgLoss)
	for i := n + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// emaSlope is (EMA[i] - EMA[i-lookback]) / ATR[i].
func emaSlope(bars []domain.Bar, period, lookback, atrPeriod int) []float64 {
	out := nanSeries(len(bars))
	e := ema(closes(bars), period)
	a := atr(bars, atrPeriod)
	for i := lookback; i < len(bars); i++ {
		if math.IsNaN(e[i]) || math.IsNaN(e[i-lookback]) || math.IsNaN(a[i]) || a[i] <= 0 {
			continue
		}
		out[i] = (e[i] - e[i-lookback]) / a[i]
	}
	return out
}
