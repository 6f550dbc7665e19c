// Package risk sizes positions from volatility and tracks the risk state of a run.
package risk

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"krx-trend-lab/internal/domain"
)

// Defaults for sizing and stops.
const (
	DefaultRiskFraction     = 0.01
	DefaultStopMultiple     = 2.5
	DefaultTrailingMultiple = 3.0
)

// Reduction-mode defaults, used when ReductionConfig.Enabled is set.
const (
	DefaultReducedFraction  = 0.005
	DefaultConsecutiveStops = 3
	DefaultDrawdownTrigger  = 0.07
	DefaultReducedTrades    = 3
	DefaultRecoveryR        = 2.0
	DefaultRecoveryWins     = 2
)

// Config errors
var (
	ErrInvalidFraction  = errors.New("risk fraction must be in (0, 1]")
	ErrInvalidMultiple  = errors.New("stop multiples must be positive")
	ErrInvalidCap       = errors.New("max portfolio risk must be in [0, 1]")
	ErrInvalidReduction = errors.New("invalid reduction config")
)

// ReductionConfig controls the temporary risk cut after a losing streak or drawdown.
type ReductionConfig struct {
	Enabled          bool
	ReducedFraction  float64
	ConsecutiveStops int
	DrawdownTrigger  float64
	ReducedTrades    int
	RecoveryR        float64
	RecoveryWins     int
}

// DefaultReduction returns an enabled reduction config with standard thresholds.
func DefaultReduction() ReductionConfig {
	return ReductionConfig{
		Enabled:          true,
		ReducedFraction:  DefaultReducedFraction,
		ConsecutiveStops: DefaultConsecutiveStops,
		DrawdownTrigger:  DefaultDrawdownTrigger,
		ReducedTrades:    DefaultReducedTrades,
		RecoveryR:        DefaultRecoveryR,
		RecoveryWins:     DefaultRecoveryWins,
	}
}

// Config holds risk parameters.
type Config struct {
	RiskFraction     float64 // equity fraction risked per entry
	StopMultiple     float64 // initial stop distance in ATRs
	TrailingMultiple float64 // trailing distance in ATRs at entry
	MaxPortfolioRisk float64 // cap on open risk / equity, 0 disables
	Reduction        ReductionConfig
}

// DefaultConfig returns the base sizing rules with supplements disabled.
func DefaultConfig() Config {
	return Config{
		RiskFraction:     DefaultRiskFraction,
		StopMultiple:     DefaultStopMultiple,
		TrailingMultiple: DefaultTrailingMultiple,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.RiskFraction <= 0 || c.RiskFraction > 1 {
		return ErrInvalidFraction
	}
	if c.StopMultiple <= 0 || c.TrailingMultiple <= 0 {
		return ErrInvalidMultiple
	}
	if c.MaxPortfolioRisk < 0 || c.MaxPortfolioRisk > 1 {
		return ErrInvalidCap
	}
	r := c.Reduction
	if r.Enabled {
		if r.ReducedFraction <= 0 || r.ReducedFraction > 1 ||
			r.ConsecutiveStops < 1 || r.DrawdownTrigger <= 0 ||
			r.ReducedTrades < 1 || r.RecoveryWins < 1 {
			return ErrInvalidReduction
		}
	}
	return nil
}

// Sizing is the outcome of a successful SizePosition call.
type Sizing struct {
	Shares       int64
	Stop         float64 // initial stop price
	StopDistance float64 // entry - stop
	RiskAmount   float64 // shares * stop distance
	Fraction     float64 // fraction applied
}

// State is a read-only summary of the risk state.
type State struct {
	Fraction          float64
	Reduced           bool
	ConsecutiveStops  int
	ReducedTradesLeft int
	PeakEquity        float64
}

// Manager sizes positions and computes trailing stops.
// It is owned by a single run and is not safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	consecutiveStops  int
	peakEquity        float64
	reduced           bool
	reducedTradesLeft int
	exitsSinceCut     int // non-stop exits since reduction
	rSinceCut         float64
}

// NewManager creates a Manager. A nil logger is replaced with a no-op logger.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// CurrentFraction is the risk fraction applied to the next entry.
func (m *Manager) CurrentFraction() float64 {
	if m.reduced {
		return m.cfg.Reduction.ReducedFraction
	}
	return m.cfg.RiskFraction
}

// SizePosition computes whole shares so a stop-out loses about the risk budget.
// Returns false when no affordable position exists (shares < 1) or inputs are
// not positive. That is a skip, not an error.
func (m *Manager) SizePosition(equity, entryPrice, atr float64) (Sizing, bool) {
	return m.size(equity, entryPrice, atr, m.cfg.StopMultiple)
}

// SizePositionWith is SizePosition with an explicit stop multiple.
func (m *Manager) SizePositionWith(equity, entryPrice, atr, stopMultiple float64) (Sizing, bool) {
	if stopMultiple <= 0 {
		stopMultiple = m.cfg.StopMultiple
	}
	return m.size(equity, entryPrice, atr, stopMultiple)
}

func (m *Manager) size(equity, entryPrice, atr, stopMultiple float64) (Sizing, bool) {
	if equity <= 0 || entryPrice <= 0 || atr <= 0 || !finite(atr) {
		return Sizing{}, false
	}

	fraction := m.CurrentFraction()
	budget := equity * fraction
	distance := atr * stopMultiple
	shares := int64(math.Floor(budget / distance))
	if shares < 1 {
		return Sizing{}, false
	}

	return Sizing{
		Shares:       shares,
		Stop:         entryPrice - distance,
		StopDistance: distance,
		RiskAmount:   float64(shares) * distance,
		Fraction:     fraction,
	}, true
}

// TrailingStop returns max(current, highestClose - atrAtEntry*TrailingMultiple).
// The result is never below current.
func (m *Manager) TrailingStop(current, highestClose, atrAtEntry float64) float64 {
	return m.TrailingStopWith(current, highestClose, atrAtEntry, m.cfg.TrailingMultiple)
}

// TrailingStopWith is TrailingStop with an explicit multiple.
func (m *Manager) TrailingStopWith(current, highestClose, atrAtEntry, multiple float64) float64 {
	if multiple <= 0 {
		multiple = m.cfg.TrailingMultiple
	}
	candidate := highestClose - atrAtEntry*multiple
	if candidate > current {
		return candidate
	}
	return current
}

// CanTakeRisk reports whether adding newRisk keeps open risk within the cap.
// Always true when the cap is disabled.
func (m *Manager) CanTakeRisk(openRisk, newRisk, equity float64) bool {
	if m.cfg.MaxPortfolioRisk <= 0 {
		return true
	}
	if equity <= 0 {
		return false
	}
	return (openRisk+newRisk)/equity <= m.cfg.MaxPortfolioRisk
}

// UpdatePeakEquity raises the high-water mark used for the drawdown trigger.
func (m *Manager) UpdatePeakEquity(equity float64) {
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
}

// Drawdown returns the fractional decline of equity from the peak.
func (m *Manager) Drawdown(equity float64) float64 {
	if m.peakEquity <= 0 {
		return 0
	}
	return (m.peakEquity - equity) / m.peakEquity
}

// OnTradeExit updates streak and reduction state after a closed trade.
// Steps:
//  1. Stop exits extend the streak; other exits reset it.
//  2. While reduced, accumulate R and non-stop exits and spend one reduced trade.
//  3. Enter reduction on a long stop streak or deep drawdown.
//  4. Leave reduction on enough R, enough non-stop exits, or no trades left.
func (m *Manager) OnTradeExit(trade domain.Trade, equity float64) {
	isStop := trade.ExitReason.IsStop()
	if isStop {
		m.consecutiveStops++
	} else {
		m.consecutiveStops = 0
	}

	if !m.cfg.Reduction.Enabled {
		return
	}

	if m.reduced {
		m.rSinceCut += trade.RMultiple
		if !isStop {
			m.exitsSinceCut++
		}
		if m.reducedTradesLeft > 0 {
			m.reducedTradesLeft--
		}
	}

	m.checkTrigger(equity)
	m.checkRecovery()
}

func (m *Manager) checkTrigger(equity float64) {
	if m.reduced {
		return
	}
	r := m.cfg.Reduction
	switch {
	case m.consecutiveStops >= r.ConsecutiveStops:
		m.activate("consecutive_stops")
	case m.Drawdown(equity) >= r.DrawdownTrigger:
		m.activate("drawdown")
	}
}

func (m *Manager) activate(reason string) {
	m.reduced = true
	m.reducedTradesLeft = m.cfg.Reduction.ReducedTrades
	m.exitsSinceCut = 0
	m.rSinceCut = 0
	m.logger.Info("risk reduction activated",
		zap.String("reason", reason),
		zap.Float64("fraction", m.cfg.Reduction.ReducedFraction),
		zap.Int("trades", m.reducedTradesLeft),
	)
}

func (m *Manager) checkRecovery() {
	if !m.reduced {
		return
	}
	r := m.cfg.Reduction
	switch {
	case m.rSinceCut >= r.RecoveryR:
		m.deactivate("r_recovery")
	case m.exitsSinceCut >= r.RecoveryWins:
		m.deactivate("exit_recovery")
	case m.reducedTradesLeft <= 0:
		m.deactivate("trades_exhausted")
	}
}

func (m *Manager) deactivate(reason string) {
	m.reduced = false
	m.consecutiveStops = 0
	m.logger.Info("risk reduction lifted",
		zap.String("reason", reason),
		zap.Float64("fraction", m.cfg.RiskFraction),
	)
}

// State returns a summary of the current risk state.
func (m *Manager) State() State {
	return State{
		Fraction:          m.CurrentFraction(),
		Reduced:           m.reduced,
		ConsecutiveStops:  m.consecutiveStops,
		ReducedTradesLeft: m.reducedTradesLeft,
		PeakEquity:        m.peakEquity,
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
