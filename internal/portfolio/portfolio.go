// Package portfolio is the cash, position and trade ledger of one backtest run.
package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/idhash"
)

// Portfolio errors. ErrPositionExists and ErrNoPosition indicate engine
// sequencing bugs; ErrInsufficientCash is a normal rejection.
var (
	ErrPositionExists   = errors.New("position already open")
	ErrNoPosition       = errors.New("no open position")
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrInvalidOrder     = errors.New("invalid order")
)

// Portfolio owns cash, open positions and the trade log for one run.
// Not safe for concurrent use: the engine is its only writer.
type Portfolio struct {
	runID          string
	initialCapital decimal.Decimal
	cash           decimal.Decimal
	positions      map[string]*domain.Position
	trades         []domain.Trade
}

// New creates a Portfolio holding initialCapital in cash.
func New(runID string, initialCapital float64) *Portfolio {
	c := decimal.NewFromFloat(initialCapital)
	return &Portfolio{
		runID:          runID,
		initialCapital: c,
		cash:           c,
		positions:      make(map[string]*domain.Position),
	}
}

// Open buys shares at price and records a new position.
// Steps:
//  1. Reject non-positive price or shares below one.
//  2. Reject when the instrument already has a position.
//  3. Reject when cost exceeds cash.
//  4. Debit cash and create the position with highest close = entry price.
func (p *Portfolio) Open(instrument string, date time.Time, price float64, shares int64, stop, atr float64) error {
	if price <= 0 || shares < 1 || math.IsNaN(price) {
		return fmt.Errorf("%w: %s price=%v shares=%d", ErrInvalidOrder, instrument, price, shares)
	}
	if _, ok := p.positions[instrument]; ok {
		return fmt.Errorf("%w: %s", ErrPositionExists, instrument)
	}

	cost := notional(price, shares)
	if cost.GreaterThan(p.cash) {
		return fmt.Errorf("%w: %s needs %s, have %s", ErrInsufficientCash, instrument, cost.StringFixed(0), p.cash.StringFixed(0))
	}

	p.cash = p.cash.Sub(cost)
	p.positions[instrument] = &domain.Position{
		Instrument:   instrument,
		EntryDate:    domain.NormalizeDate(date),
		EntryPrice:   price,
		Shares:       shares,
		InitialStop:  stop,
		StopLoss:     stop,
		HighestClose: price,
		ATRAtEntry:   atr,
		LastClose:    price,
	}
	return nil
}

// Close sells the whole position at price and appends the resulting trade.
func (p *Portfolio) Close(instrument string, date time.Time, price float64, reason domain.ExitReason) (*domain.Trade, error) {
	pos, ok := p.positions[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, instrument)
	}
	if price <= 0 || math.IsNaN(price) {
		return nil, fmt.Errorf("%w: %s exit price=%v", ErrInvalidOrder, instrument, price)
	}

	exitDate := domain.NormalizeDate(date)
	entry := decimal.NewFromFloat(pos.EntryPrice)
	exit := decimal.NewFromFloat(price)
	shares := decimal.NewFromInt(pos.Shares)

	pnl := exit.Sub(entry).Mul(shares)
	risk := entry.Sub(decimal.NewFromFloat(pos.InitialStop)).Mul(shares)

	var rMultiple float64
	if risk.IsPositive() {
		rMultiple = pnl.Div(risk).InexactFloat64()
	}

	trade := domain.Trade{
		TradeID:      idhash.ComputeTradeID(p.runID, instrument, pos.EntryDate, exitDate),
		RunID:        p.runID,
		Instrument:   instrument,
		EntryDate:    pos.EntryDate,
		EntryPrice:   pos.EntryPrice,
		Shares:       pos.Shares,
		InitialStop:  pos.InitialStop,
		ATRAtEntry:   pos.ATRAtEntry,
		ExitDate:     exitDate,
		ExitPrice:    price,
		ExitReason:   reason,
		HighestClose: pos.HighestClose,
		PnL:          pnl.InexactFloat64(),
		PnLPct:       exit.Sub(entry).Div(entry).InexactFloat64(),
		RMultiple:    rMultiple,
		HoldingDays:  int(exitDate.Sub(pos.EntryDate).Hours() / 24),
	}

	p.cash = p.cash.Add(exit.Mul(shares))
	delete(p.positions, instrument)
	p.trades = append(p.trades, trade)

	out := trade
	return &out, nil
}

// Has reports whether instrument has an open position.
func (p *Portfolio) Has(instrument string) bool {
	_, ok := p.positions[instrument]
	return ok
}

// Position returns a copy of the open position for instrument.
func (p *Portfolio) Position(instrument string) (domain.Position, bool) {
	pos, ok := p.positions[instrument]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Cash returns the cash balance.
func (p *Portfolio) Cash() float64 {
	return p.cash.InexactFloat64()
}

// InitialCapital returns the starting cash.
func (p *Portfolio) InitialCapital() float64 {
	return p.initialCapital.InexactFloat64()
}

// Equity is cash plus every open position marked at its last close.
func (p *Portfolio) Equity() float64 {
	return p.equity().InexactFloat64()
}

func (p *Portfolio) equity() decimal.Decimal {
	total := p.cash
	for _, pos := range p.positions {
		total = total.Add(notional(pos.LastClose, pos.Shares))
	}
	return total
}

// OpenRisk sums the amount each open position would lose at its current stop.
func (p *Portfolio) OpenRisk() float64 {
	var total float64
	for _, inst := range p.instruments() {
		total += p.positions[inst].OpenRisk()
	}
	return total
}

// PositionCount returns the number of open positions.
func (p *Portfolio) PositionCount() int {
	return len(p.positions)
}

// Positions returns copies of open positions in ascending instrument order.
func (p *Portfolio) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(p.positions))
	for _, inst := range p.instruments() {
		out = append(out, *p.positions[inst])
	}
	return out
}

// Trades returns a copy of the trade log in close order.
func (p *Portfolio) Trades() []domain.Trade {
	out := make([]domain.Trade, len(p.trades))
	copy(out, p.trades)
	return out
}

// State returns a read-only snapshot of the portfolio.
func (p *Portfolio) State() domain.PortfolioState {
	positions := make(map[string]domain.Position, len(p.positions))
	for k, v := range p.positions {
		positions[k] = *v
	}
	return domain.PortfolioState{
		Cash:      p.Cash(),
		Equity:    p.Equity(),
		Positions: positions,
		Trades:    p.Trades(),
	}
}

// Record returns the equity-curve point for date.
func (p *Portfolio) Record(date time.Time) domain.DailyRecord {
	return domain.DailyRecord{
		Date:          domain.NormalizeDate(date),
		Equity:        p.Equity(),
		Cash:          p.Cash(),
		PositionCount: len(p.positions),
		OpenRisk:      p.OpenRisk(),
	}
}

// instruments returns open instrument codes in ascending order.
func (p *Portfolio) instruments() []string {
	out := make([]string, 0, len(p.positions))
	for k := range p.positions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func notional(price float64, shares int64) decimal.Decimal {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromInt(shares))
}
