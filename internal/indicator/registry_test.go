package indicator

import (
	"errors"
	"testing"

	"krx-trend-lab/internal/domain"
)

func TestDefaultRegistry_Kinds(t *testing.T) {
	r := DefaultRegistry()

	kinds := r.Kinds()
	if len(kinds) != 6 {
		t.Fatalf("expected 6 builtin kinds, got %d: %v", len(kinds), kinds)
	}
	for i := 1; i < len(kinds); i++ {
		if kinds[i-1] >= kinds[i] {
			t.Errorf("kinds not sorted: %v", kinds)
		}
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := DefaultRegistry()

	err := r.Register(Spec{
		Kind:    domain.KindSMA,
		Compute: func([]domain.Bar, domain.IndicatorParams) []float64 { return nil },
	})
	if !errors.Is(err, ErrDuplicateKind) {
		t.Errorf("expected ErrDuplicateKind, got %v", err)
	}
}

func TestRegistry_CustomKind(t *testing.T) {
	r := NewRegistry()
	custom := domain.IndicatorKind("CLOSE")
	err := r.Register(Spec{
		Kind: custom,
		Compute: func(bars []domain.Bar, _ domain.IndicatorParams) []float64 {
			return closes(bars)
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	values, err := NewCalculator(r).Compute(makeBars(1, 2, 3), []domain.IndicatorKey{domain.Key(custom, 1)})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(values) != 3 || values[2].Value != 3 {
		t.Errorf("unexpected values: %+v", values)
	}
}

func TestRegistry_ValidateKey(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name    string
		key     domain.IndicatorKey
		wantErr error
	}{
		{"valid sma", domain.Key(domain.KindSMA, 20), nil},
		{"zero period", domain.Key(domain.KindSMA, 0), ErrInvalidParams},
		{"unknown kind", domain.Key("VWAP", 20), ErrUnknownKind},
		{"negative lookback", domain.IndicatorKey{Kind: domain.KindEMASlope, Params: domain.IndicatorParams{Period: 50, Lookback: -1}}, ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateKey(tt.key)
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCalculator_WarmupIsAbsent(t *testing.T) {
	calc := NewCalculator(nil)
	bars := makeBars(1, 2, 3, 4, 5)

	values, err := calc.Compute(bars, []domain.IndicatorKey{domain.Key(domain.KindSMA, 3)})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 values after warm-up, got %d", len(values))
	}
	if !values[0].Date.Equal(bars[2].Date) {
		t.Errorf("first value date = %v, want %v", values[0].Date, bars[2].Date)
	}
}

func TestCalculator_RejectsUnorderedBars(t *testing.T) {
	bars := makeBars(1, 2, 3)
	bars[1], bars[2] = bars[2], bars[1]

	_, err := NewCalculator(nil).Compute(bars, DefaultKeys())
	if !errors.Is(err, ErrUnorderedBars) {
		t.Errorf("expected ErrUnorderedBars, got %v", err)
	}
}
