package indicator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"krx-trend-lab/internal/domain"
)

// Registry errors
var (
	ErrUnknownKind   = errors.New("unknown indicator kind")
	ErrDuplicateKind = errors.New("indicator kind already registered")
	ErrInvalidParams = errors.New("invalid indicator params")
)

// Slope defaults match the stored EMA_SLOPE_50 series.
const (
	DefaultSlopeLookback  = 5
	DefaultSlopeATRPeriod = 20
)

// ComputeFunc produces one value per bar; NaN marks "not computable".
type ComputeFunc func(bars []domain.Bar, params domain.IndicatorParams) []float64

// Spec describes one indicator kind.
type Spec struct {
	Kind        domain.IndicatorKind
	Description string
	Validate    func(params domain.IndicatorParams) error
	Compute     ComputeFunc
}

// Registry maps indicator kinds to their specs.
// New indicators are added by registering a Spec; the engine is unaware of kinds.
type Registry struct {
	mu    sync.RWMutex
	specs map[domain.IndicatorKind]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[domain.IndicatorKind]Spec)}
}

// DefaultRegistry returns a registry with all built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range builtinSpecs() {
		// builtins have distinct kinds
		_ = r.Register(s)
	}
	return r
}

// Register adds a spec. Returns ErrDuplicateKind if the kind exists.
func (r *Registry) Register(spec Spec) error {
	if spec.Kind == "" || spec.Compute == nil {
		return fmt.Errorf("register %q: %w", spec.Kind, ErrInvalidParams)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Kind]; exists {
		return fmt.Errorf("register %q: %w", spec.Kind, ErrDuplicateKind)
	}
	r.specs[spec.Kind] = spec
	return nil
}

// Lookup returns the spec for kind.
func (r *Registry) Lookup(kind domain.IndicatorKind) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[kind]
	if !ok {
		return Spec{}, fmt.Errorf("lookup %q: %w", kind, ErrUnknownKind)
	}
	return s, nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []domain.IndicatorKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.IndicatorKind, 0, len(r.specs))
	for k := range r.specs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ValidateKey checks that key names a registered kind with valid params.
func (r *Registry) ValidateKey(key domain.IndicatorKey) error {
	s, err := r.Lookup(key.Kind)
	if err != nil {
		return err
	}
	if s.Validate != nil {
		if err := s.Validate(key.Params); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func requirePeriod(p domain.IndicatorParams) error {
	if p.Period <= 0 {
		return fmt.Errorf("period %d: %w", p.Period, ErrInvalidParams)
	}
	return nil
}

func builtinSpecs() []Spec {
	return []Spec{
		{
			Kind:        domain.KindSMA,
			Description: "simple moving average of close",
			Validate:    requirePeriod,
			Compute: func(bars []domain.Bar, p domain.IndicatorParams) []float64 {
				return sma(closes(bars), p.Period)
			},
		},
		{
			Kind:        domain.KindEMA,
			Description: "exponential moving average of close",
			Validate:    requirePeriod,
			Compute: func(bars []domain.Bar, p domain.IndicatorParams) []float64 {
				return ema(closes(bars), p.Period)
			},
		},
		{
			Kind:        domain.KindATR,
			Description: "Wilder average true range",
			Validate:    requirePeriod,
			Compute: func(bars []domain.Bar, p domain.IndicatorParams) []float64 {
				return atr(bars, p.Period)
			},
		},
		{
			Kind:        domain.KindHigh,
			Description: "highest close of the prior N sessions, current session excluded",
			Validate:    requirePeriod,
			Compute: func(bars []domain.Bar, p domain.IndicatorParams) []float64 {
				return highPrior(closes(bars), p.Period)
			},
		},
		{
			Kind:        domain.KindRSI,
			Description: "Wilder relative strength index",
			Validate:    requirePeriod,
			Compute: func(bars []domain.Bar, p domain.IndicatorParams) []float64 {
				return rsi(closes(bars), p.Period)
			},
		},
		{
			Kind:        domain.KindEMASlope,
			Description: "EMA change over lookback sessions divided by ATR(20)",
			Validate: func(p domain.IndicatorParams) error {
				if err := requirePeriod(p); err != nil {
					return err
				}
				if p.Lookback < 0 {
					return fmt.Errorf("lookback %d: %w", p.Lookback, ErrInvalidParams)
				}
				return nil
			},
			Compute: func(bars []domain.Bar, p domain.IndicatorParams) []float64 {
				lookback := p.Lookback
				if lookback == 0 {
					lookback = DefaultSlopeLookback
				}
				return emaSlope(bars, p.Period, lookback, DefaultSlopeATRPeriod)
			},
		},
	}
}
