package backtest

import (
	"fmt"

	"krx-trend-lab/internal/portfolio"
)

// EntryTiming decides when a signal on date D is filled.
type EntryTiming int

const (
	// EntryAtClose fills at D's close.
	EntryAtClose EntryTiming = iota
	// EntryNextOpen fills at the next trading date's open.
	EntryNextOpen
)

// String returns the timing name.
func (t EntryTiming) String() string {
	switch t {
	case EntryAtClose:
		return "at_close"
	case EntryNextOpen:
		return "next_open"
	default:
		return fmt.Sprintf("EntryTiming(%d)", int(t))
	}
}

// Policy holds the engine's configurable behaviour.
type Policy struct {
	ExitPriority portfolio.ExitPriority
	EntryTiming  EntryTiming

	// SameDayCashReuse lets entries spend proceeds of the same day's exits.
	// When false, entries are limited to start-of-day cash.
	SameDayCashReuse bool

	// NoReentryAfterStop blocks entries on an instrument stopped out that day.
	NoReentryAfterStop bool

	// ForceCloseAtEnd closes open positions at the last date with END_OF_BACKTEST.
	// When false they are reported as open positions at cutoff.
	ForceCloseAtEnd bool
}

// DefaultPolicy returns stop-first exits, fills at close, same-day cash reuse,
// no re-entry after a stop and force close at the end.
func DefaultPolicy() Policy {
	return Policy{
		ExitPriority:       portfolio.StopFirst,
		EntryTiming:        EntryAtClose,
		SameDayCashReuse:   true,
		NoReentryAfterStop: true,
		ForceCloseAtEnd:    true,
	}
}

// String renders the policy for run identifiers and logs.
func (p Policy) String() string {
	return fmt.Sprintf("exit=%s entry=%s reuse=%t noreentry=%t forceclose=%t",
		p.ExitPriority, p.EntryTiming, p.SameDayCashReuse, p.NoReentryAfterStop, p.ForceCloseAtEnd)
}
