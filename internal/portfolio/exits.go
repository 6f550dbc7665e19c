package portfolio

import (
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
)

// ExitPriority decides which exit wins when a stop and a rule fire on the same bar.
type ExitPriority int

const (
	// StopFirst fills the stop before considering the rule exit.
	StopFirst ExitPriority = iota
	// RuleFirst lets a structural exit at the close win over the stop.
	RuleFirst
)

// String returns the policy name.
func (p ExitPriority) String() string {
	switch p {
	case StopFirst:
		return "stop_first"
	case RuleFirst:
		return "rule_first"
	default:
		return fmt.Sprintf("ExitPriority(%d)", int(p))
	}
}

// ExitCheck evaluates a structural exit for a marked position.
// Returns whether the exit fires and its reason.
type ExitCheck func(pos domain.Position, bar domain.Bar) (bool, domain.ExitReason)

// Trailer returns the ratcheted stop for a marked position.
type Trailer func(pos domain.Position) float64

// ExitOrder is a pending sell produced by MarkAndCheckExits.
type ExitOrder struct {
	Instrument string
	Date       time.Time
	Price      float64
	Reason     domain.ExitReason
}

// MarkAndCheckExits marks every open position with a bar for date and
// returns the exits to apply, in ascending instrument order.
// Per position:
//  1. Update last close and highest close.
//  2. Ratchet the stop with trail; a lower value is ignored.
//  3. Low at or below stop fills at the stop price, even on a gap below it.
//  4. Otherwise a rule exit fills at the close.
//
// Positions without a bar are left untouched. Orders are not applied;
// the caller settles them with Close.
func (p *Portfolio) MarkAndCheckExits(date time.Time, bars map[string]*domain.Bar, check ExitCheck, trail Trailer, priority ExitPriority) []ExitOrder {
	var orders []ExitOrder

	for _, inst := range p.instruments() {
		bar, ok := bars[inst]
		if !ok || bar == nil {
			continue
		}
		pos := p.positions[inst]

		pos.LastClose = bar.Close
		if bar.Close > pos.HighestClose {
			pos.HighestClose = bar.Close
		}
		if trail != nil {
			if next := trail(*pos); next > pos.StopLoss {
				pos.StopLoss = next
			}
		}

		stopHit := bar.Low <= pos.StopLoss
		var ruleHit bool
		var ruleReason domain.ExitReason
		if check != nil {
			ruleHit, ruleReason = check(*pos, *bar)
		}

		stopOrder := ExitOrder{Instrument: inst, Date: date, Price: pos.StopLoss, Reason: stopReason(*pos)}
		ruleOrder := ExitOrder{Instrument: inst, Date: date, Price: bar.Close, Reason: ruleReason}

		switch {
		case priority == RuleFirst && ruleHit:
			orders = append(orders, ruleOrder)
		case stopHit:
			orders = append(orders, stopOrder)
		case ruleHit:
			orders = append(orders, ruleOrder)
		}
	}

	return orders
}

// stopReason distinguishes the initial stop from a ratcheted one.
func stopReason(pos domain.Position) domain.ExitReason {
	if pos.StopRatcheted() {
		return domain.ExitTrailingStop
	}
	return domain.ExitStopLoss
}
