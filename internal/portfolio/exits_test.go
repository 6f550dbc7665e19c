package portfolio

import (
	"testing"

	"krx-trend-lab/internal/domain"
)

func trailBy(mult float64) Trailer {
	return func(pos domain.Position) float64 {
		return pos.HighestClose - pos.ATRAtEntry*mult
	}
}

func ruleBelow(level float64, reason domain.ExitReason) ExitCheck {
	return func(_ domain.Position, b domain.Bar) (bool, domain.ExitReason) {
		return b.Close < level, reason
	}
}

func TestMarkAndCheckExits_GapDownFillsAtStop(t *testing.T) {
	p := New("run", 10_000_000)
	_ = p.Open("A", d1, 10_000, 100, 9_000, 400)

	orders := p.MarkAndCheckExits(d2, map[string]*domain.Bar{
		"A": bar("A", 8_000, 8_200, 7_500, 7_600),
	}, nil, trailBy(3), StopFirst)

	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	o := orders[0]
	if o.Price != 9_000 {
		t.Errorf("fill = %v, want stop price 9000", o.Price)
	}
	if o.Reason != domain.ExitStopLoss {
		t.Errorf("reason = %s, want STOP_LOSS", o.Reason)
	}
}

func TestMarkAndCheckExits_TrailingStop(t *testing.T) {
	p := New("run", 10_000_000)
	_ = p.Open("A", d1, 10_000, 100, 9_000, 400)

	// close 12_000 ratchets stop to 12_000 - 1_200 = 10_800
	orders := p.MarkAndCheckExits(d2, map[string]*domain.Bar{
		"A": bar("A", 11_000, 12_100, 10_900, 12_000),
	}, nil, trailBy(3), StopFirst)
	if len(orders) != 0 {
		t.Fatalf("unexpected exit %+v", orders)
	}
	pos, _ := p.Position("A")
	if pos.StopLoss != 10_800 || pos.HighestClose != 12_000 {
		t.Fatalf("unexpected marks %+v", pos)
	}

	orders = p.MarkAndCheckExits(d3, map[string]*domain.Bar{
		"A": bar("A", 11_500, 11_600, 10_500, 10_600),
	}, nil, trailBy(3), StopFirst)
	if len(orders) != 1 || orders[0].Reason != domain.ExitTrailingStop || orders[0].Price != 10_800 {
		t.Fatalf("expected trailing stop at 10800, got %+v", orders)
	}
}

func TestMarkAndCheckExits_SameDayRatchetThenLow(t *testing.T) {
	p := New("run", 10_000_000)
	_ = p.Open("A", d1, 10_000, 100, 9_000, 400)

	// close 12_000 raises the stop to 10_800 before the low of 10_700 is checked
	orders := p.MarkAndCheckExits(d2, map[string]*domain.Bar{
		"A": bar("A", 11_000, 12_100, 10_700, 12_000),
	}, nil, trailBy(3), StopFirst)

	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if orders[0].Reason != domain.ExitTrailingStop || orders[0].Price != 10_800 {
		t.Errorf("order = %+v, want TRAILING_STOP at 10800", orders[0])
	}
}

func TestMarkAndCheckExits_StopNeverLoosens(t *testing.T) {
	p := New("run", 10_000_000)
	_ = p.Open("A", d1, 100, 10, 90, 2)

	loosen := func(pos domain.Position) float64 { return pos.StopLoss - 5 }
	p.MarkAndCheckExits(d2, map[string]*domain.Bar{"A": bar("A", 100, 101, 95, 100)}, nil, loosen, StopFirst)

	pos, _ := p.Position("A")
	if pos.StopLoss != 90 {
		t.Errorf("stop moved down to %v", pos.StopLoss)
	}
}

func TestMarkAndCheckExits_Priority(t *testing.T) {
	bars := map[string]*domain.Bar{"A": bar("A", 95, 96, 85, 88)}

	t.Run("stop first", func(t *testing.T) {
		p := New("run", 10_000_000)
		_ = p.Open("A", d1, 100, 10, 90, 4)
		orders := p.MarkAndCheckExits(d2, bars, ruleBelow(95, domain.ExitMA), nil, StopFirst)
		if len(orders) != 1 || orders[0].Reason != domain.ExitStopLoss || orders[0].Price != 90 {
			t.Errorf("got %+v", orders)
		}
	})

	t.Run("rule first", func(t *testing.T) {
		p := New("run", 10_000_000)
		_ = p.Open("A", d1, 100, 10, 90, 4)
		orders := p.MarkAndCheckExits(d2, bars, ruleBelow(95, domain.ExitMA), nil, RuleFirst)
		if len(orders) != 1 || orders[0].Reason != domain.ExitMA || orders[0].Price != 88 {
			t.Errorf("got %+v", orders)
		}
	})
}

func TestMarkAndCheckExits_RuleExitAtClose(t *testing.T) {
	p := New("run", 10_000_000)
	_ = p.Open("A", d1, 100, 10, 90, 4)
	orders := p.MarkAndCheckExits(d2, map[string]*domain.Bar{"A": bar("A", 97, 98, 93, 94)}, ruleBelow(95, domain.ExitEMA), nil, StopFirst)
	if len(orders) != 1 || orders[0].Price != 94 || orders[0].Reason != domain.ExitEMA {
		t.Errorf("got %+v", orders)
	}
}

func TestMarkAndCheckExits_OrderAndGaps(t *testing.T) {
	p := New("run", 10_000_000)
	for _, inst := range []string{"C", "A", "B"} {
		_ = p.Open(inst, d1, 100, 10, 90, 4)
	}
	bars := map[string]*domain.Bar{
		"C": bar("C", 80, 80, 80, 80),
		"A": bar("A", 80, 80, 80, 80),
	}
	orders := p.MarkAndCheckExits(d2, bars, nil, nil, StopFirst)
	if len(orders) != 2 || orders[0].Instrument != "A" || orders[1].Instrument != "C" {
		t.Fatalf("unexpected orders %+v", orders)
	}
	pos, _ := p.Position("B")
	if pos.LastClose != 100 {
		t.Error("position without bar must be untouched")
	}
}
