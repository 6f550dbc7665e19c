package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Strategy identifiers accepted by FromConfig.
const (
	IDSMA   = "sma"
	IDEMA   = "ema"
	IDTrend = "trend"
	IDRSI   = "rsi"
)

// ATRPeriod is the volatility window every strategy requests for sizing.
const ATRPeriod = 20

// Factory errors
var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrInvalidPeriods  = errors.New("moving average periods must satisfy 0 < fast < mid < slow")
	ErrInvalidBreakout = errors.New("breakout period must be positive")
)

// Config selects and parameterizes a strategy. Zero periods take defaults.
// The RSI swing strategy reads Fast as the RSI period and Mid as the trend
// average and ignores Slow and Breakout.
type Config struct {
	ID       string
	Fast     int
	Mid      int
	Slow     int
	Breakout int
}

// Default periods per identifier.
var defaultPeriods = map[string]Config{
	IDSMA:   {ID: IDSMA, Fast: 20, Mid: 60, Slow: 120, Breakout: 20},
	IDEMA:   {ID: IDEMA, Fast: 20, Mid: 50, Slow: 120, Breakout: 20},
	IDTrend: {ID: IDTrend, Mid: 50, Breakout: 20},
	IDRSI:   {ID: IDRSI, Fast: 14, Mid: 60},
}

// IDs lists known strategy identifiers in sorted order.
func IDs() []string {
	ids := make([]string, 0, len(defaultPeriods))
	for id := range defaultPeriods {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FromID builds a strategy with default parameters.
func FromID(id string) (Strategy, error) {
	return FromConfig(Config{ID: id})
}

// FromConfig creates a Strategy from Config.
// Returns ErrUnknownStrategy for unrecognised identifiers.
func FromConfig(cfg Config) (Strategy, error) {
	id := strings.ToLower(strings.TrimSpace(cfg.ID))
	def, ok := defaultPeriods[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownStrategy, cfg.ID, strings.Join(IDs(), ", "))
	}
	cfg = withDefaults(cfg, def)

	if id == IDRSI {
		if cfg.Fast <= 0 || cfg.Mid <= 0 {
			return nil, ErrInvalidPeriods
		}
		return NewRSISwingStrategy(cfg.Fast, cfg.Mid), nil
	}
	if cfg.Breakout <= 0 {
		return nil, ErrInvalidBreakout
	}

	switch id {
	case IDSMA:
		if !validPeriods(cfg) {
			return nil, ErrInvalidPeriods
		}
		return NewSMABreakoutStrategy(cfg.Fast, cfg.Mid, cfg.Slow, cfg.Breakout), nil
	case IDEMA:
		if !validPeriods(cfg) {
			return nil, ErrInvalidPeriods
		}
		return NewEMABreakoutStrategy(cfg.Fast, cfg.Mid, cfg.Slow, cfg.Breakout), nil
	default:
		if cfg.Mid <= 0 {
			return nil, ErrInvalidPeriods
		}
		return NewTrendFollowingStrategy(cfg.Breakout, cfg.Mid), nil
	}
}

func withDefaults(cfg, def Config) Config {
	if cfg.Fast == 0 {
		cfg.Fast = def.Fast
	}
	if cfg.Mid == 0 {
		cfg.Mid = def.Mid
	}
	if cfg.Slow == 0 {
		cfg.Slow = def.Slow
	}
	if cfg.Breakout == 0 {
		cfg.Breakout = def.Breakout
	}
	return cfg
}

func validPeriods(cfg Config) bool {
	return cfg.Fast > 0 && cfg.Fast < cfg.Mid && cfg.Mid < cfg.Slow
}
