package indicator

import (
	"math"
	"testing"
	"time"

	"krx-trend-lab/internal/domain"
)

func makeBars(closes ...float64) []domain.Bar {
	start := domain.MustDate("2024-01-02")
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Instrument: "000001",
			Date:       start.Add(time.Duration(i) * 24 * time.Hour),
			Open:       c,
			High:       c + 1,
			Low:        c - 1,
			Close:      c,
		}
	}
	return bars
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	got := sma([]float64{1, 2, 3, 4, 5}, 3)

	if !math.IsNaN(got[0]) || !math.IsNaN(got[1]) {
		t.Fatalf("expected warm-up NaN, got %v", got[:2])
	}
	want := []float64{2, 3, 4}
	for i, w := range want {
		if !approx(got[i+2], w) {
			t.Errorf("sma[%d] = %f, want %f", i+2, got[i+2], w)
		}
	}
}

func TestEMA_SeededWithSMA(t *testing.T) {
	got := ema([]float64{2, 4, 6, 8}, 3)

	// seed = (2+4+6)/3 = 4, alpha = 0.5 -> 0.5*8 + 0.5*4 = 6
	if !approx(got[2], 4) {
		t.Errorf("seed = %f, want 4", got[2])
	}
	if !approx(got[3], 6) {
		t.Errorf("ema[3] = %f, want 6", got[3])
	}
}

func TestHighPrior_ExcludesCurrentDay(t *testing.T) {
	values := []float64{10, 12, 11, 50}
	got := highPrior(values, 3)

	// index 3 must not see its own 50
	if !approx(got[3], 12) {
		t.Errorf("highPrior[3] = %f, want 12", got[3])
	}
	for i := 0; i < 3; i++ {
		if !math.IsNaN(got[i]) {
			t.Errorf("highPrior[%d] should be NaN, got %f", i, got[i])
		}
	}
}

func TestATR_ConstantRange(t *testing.T) {
	bars := makeBars(100, 100, 100, 100, 100, 100)
	got := atr(bars, 3)

	for i := 2; i < len(got); i++ {
		if !approx(got[i], 2) {
			t.Errorf("atr[%d] = %f, want 2", i, got[i])
		}
	}
}

func TestATR_UsesPreviousClose(t *testing.T) {
	bars := makeBars(100, 110)
	tr := trueRange(bars)

	// high 111, low 109, prev close 100 -> max(2, 11, 9) = 11
	if !approx(tr[1], 11) {
		t.Errorf("tr[1] = %f, want 11", tr[1])
	}
}

func TestRSI_Bounds(t *testing.T) {
	up := rsi([]float64{1, 2, 3, 4, 5, 6}, 3)
	if !approx(up[5], 100) {
		t.Errorf("all gains rsi = %f, want 100", up[5])
	}

	down := rsi([]float64{6, 5, 4, 3, 2, 1}, 3)
	if !approx(down[5], 0) {
		t.Errorf("all losses rsi = %f, want 0", down[5])
	}
}

func TestEMASlope_Sign(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	got := emaSlope(makeBars(closes...), 10, 5, 20)

	last := got[len(got)-1]
	if math.IsNaN(last) || last <= 0 {
		t.Errorf("rising series slope = %f, want > 0", last)
	}
}
