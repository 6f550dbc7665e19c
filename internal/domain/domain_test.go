package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-15")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if d.Location() != time.UTC || d.Hour() != 0 {
		t.Errorf("expected UTC midnight, got %v", d)
	}
	if FormatDate(d) != "2024-03-15" {
		t.Errorf("FormatDate = %s", FormatDate(d))
	}

	if _, err := ParseDate("15/03/2024"); err == nil {
		t.Error("expected error for wrong layout")
	}
}

func TestNormalizeDate(t *testing.T) {
	kst := time.FixedZone("KST", 9*3600)
	// 2024-03-16 08:00 KST is 2024-03-15 23:00 UTC
	got := NormalizeDate(time.Date(2024, 3, 16, 8, 0, 0, 0, kst))
	if !got.Equal(MustDate("2024-03-15")) {
		t.Errorf("NormalizeDate = %v", got)
	}
}

func TestIndicatorKey_RoundTrip(t *testing.T) {
	keys := []IndicatorKey{
		Key(KindSMA, 20),
		Key(KindEMA, 120),
		Key(KindATR, 20),
		Key(KindHigh, 20),
		Key(KindRSI, 14),
		{Kind: KindEMASlope, Params: IndicatorParams{Period: 50, Lookback: 5}},
	}
	for _, k := range keys {
		got, err := ParseIndicatorKey(k.String())
		if err != nil {
			t.Fatalf("ParseIndicatorKey(%s): %v", k, err)
		}
		if got != k {
			t.Errorf("round trip %s: got %+v", k, got)
		}
	}

	if Key(KindSMA, 20).String() != "MA_20" {
		t.Errorf("unexpected storage key %s", Key(KindSMA, 20))
	}
}

func TestParseIndicatorKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "MA", "MA_x", "VWAP_20", "EMA_SLOPE_50_y", "MA_1_2_3"} {
		if _, err := ParseIndicatorKey(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestSnapshot_Values(t *testing.T) {
	snap := Snapshot{Indicators: map[IndicatorKey]float64{
		Key(KindSMA, 20): 100,
		Key(KindSMA, 60): 90,
	}}

	vals, ok := snap.Values(Key(KindSMA, 20), Key(KindSMA, 60))
	if !ok || vals[0] != 100 || vals[1] != 90 {
		t.Errorf("Values = %v, %v", vals, ok)
	}
	if _, ok := snap.Values(Key(KindSMA, 20), Key(KindSMA, 120)); ok {
		t.Error("expected missing key to fail the lookup")
	}
	if _, ok := (Snapshot{}).Value(Key(KindSMA, 20)); ok {
		t.Error("expected empty snapshot to have no values")
	}
}

func TestPosition_Risk(t *testing.T) {
	p := Position{
		EntryPrice:  100,
		Shares:      10,
		InitialStop: 95,
		StopLoss:    95,
		LastClose:   110,
	}
	if got := p.InitialRisk(); got != 50 {
		t.Errorf("InitialRisk = %v", got)
	}
	if got := p.OpenRisk(); got != 150 {
		t.Errorf("OpenRisk = %v", got)
	}
	if got := p.MarketValue(); got != 1100 {
		t.Errorf("MarketValue = %v", got)
	}
	if p.StopRatcheted() {
		t.Error("stop has not moved")
	}

	p.StopLoss = 112
	if got := p.OpenRisk(); got != 0 {
		t.Errorf("OpenRisk above close = %v, want 0", got)
	}
	if !p.StopRatcheted() {
		t.Error("expected ratcheted stop")
	}
}

func TestBacktestRun_Validate(t *testing.T) {
	valid := BacktestRun{
		StrategyID:     "sma",
		StartDate:      MustDate("2024-01-01"),
		EndDate:        MustDate("2024-12-31"),
		InitialCapital: 1_000_000,
		RiskPerTrade:   0.01,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid run: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*BacktestRun)
		want   error
	}{
		{"no strategy", func(r *BacktestRun) { r.StrategyID = "" }, ErrMissingStrategy},
		{"reversed dates", func(r *BacktestRun) { r.EndDate = MustDate("2023-12-31") }, ErrInvalidDateRange},
		{"zero capital", func(r *BacktestRun) { r.InitialCapital = 0 }, ErrNonPositiveCapital},
		{"zero risk", func(r *BacktestRun) { r.RiskPerTrade = 0 }, ErrInvalidRiskFraction},
		{"risk above one", func(r *BacktestRun) { r.RiskPerTrade = 1.5 }, ErrInvalidRiskFraction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			if err := r.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	single := valid
	single.EndDate = single.StartDate
	if err := single.Validate(); err != nil {
		t.Errorf("single-day run should be valid: %v", err)
	}
}

func TestExitReason_IsStop(t *testing.T) {
	for r, want := range map[ExitReason]bool{
		ExitStopLoss:      true,
		ExitTrailingStop:  true,
		ExitMA:            false,
		ExitEndOfBacktest: false,
	} {
		if r.IsStop() != want {
			t.Errorf("%s.IsStop() = %v", r, !want)
		}
	}
}
