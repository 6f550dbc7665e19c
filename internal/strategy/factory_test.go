package strategy

import (
	"errors"
	"testing"
)

func TestFromID(t *testing.T) {
	s, err := FromID("sma")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sma, ok := s.(*SMABreakoutStrategy)
	if !ok {
		t.Fatalf("expected *SMABreakoutStrategy, got %T", s)
	}
	if sma.Fast != 20 || sma.Mid != 60 || sma.Slow != 120 || sma.Breakout != 20 {
		t.Errorf("unexpected defaults: %+v", sma)
	}

	s, err = FromID(" EMA ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ema, ok := s.(*EMABreakoutStrategy)
	if !ok {
		t.Fatalf("expected *EMABreakoutStrategy, got %T", s)
	}
	if ema.Mid != 50 {
		t.Errorf("Mid = %d, want 50", ema.Mid)
	}

	s, err = FromID("trend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*TrendFollowingStrategy); !ok {
		t.Fatalf("expected *TrendFollowingStrategy, got %T", s)
	}

	s, err = FromID("rsi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rsi, ok := s.(*RSISwingStrategy)
	if !ok {
		t.Fatalf("expected *RSISwingStrategy, got %T", s)
	}
	if rsi.RSIPeriod != 14 || rsi.TrendPeriod != 60 || rsi.MaxHoldingDays != 10 {
		t.Errorf("unexpected defaults: %+v", rsi)
	}
}

func TestFromID_Unknown(t *testing.T) {
	_, err := FromID("macd")
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestFromConfig_Overrides(t *testing.T) {
	s, err := FromConfig(Config{ID: "sma", Fast: 5, Mid: 10, Slow: 30, Breakout: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sma := s.(*SMABreakoutStrategy)
	if sma.Fast != 5 || sma.Mid != 10 || sma.Slow != 30 || sma.Breakout != 10 {
		t.Errorf("overrides not applied: %+v", sma)
	}
}

func TestFromConfig_InvalidPeriods(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"fast above mid", Config{ID: "sma", Fast: 70}, ErrInvalidPeriods},
		{"mid above slow", Config{ID: "ema", Mid: 150}, ErrInvalidPeriods},
		{"negative breakout", Config{ID: "trend", Breakout: -1}, ErrInvalidBreakout},
		{"negative rsi period", Config{ID: "rsi", Fast: -14}, ErrInvalidPeriods},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromConfig(tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestIDs_Sorted(t *testing.T) {
	ids := IDs()
	want := []string{"ema", "rsi", "sma", "trend"}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}
