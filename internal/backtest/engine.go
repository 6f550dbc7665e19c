// Package backtest drives a daily, date-ordered simulation over a universe
// of instruments: exits first, then entries, then the equity record.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/idhash"
	"krx-trend-lab/internal/lookup"
	"krx-trend-lab/internal/marketfilter"
	"krx-trend-lab/internal/observability"
	"krx-trend-lab/internal/portfolio"
	"krx-trend-lab/internal/result"
	"krx-trend-lab/internal/risk"
	"krx-trend-lab/internal/storage"
	"krx-trend-lab/internal/strategy"
)

// Entry skip reasons, used as result counters and metric labels.
const (
	SkipZeroShares       = "zero_shares"
	SkipInsufficientCash = "insufficient_cash"
	SkipRiskCap          = "risk_cap"
	SkipNoATR            = "no_atr"
	SkipMarketFilter     = "market_filter"
	SkipNoBar            = "no_bar"
)

// DefaultConcurrency bounds parallel ShouldEnter evaluation.
const DefaultConcurrency = 8

// Options contains configuration for creating an Engine.
type Options struct {
	// Run is the run definition. An empty RunID is derived with idhash.ComputeRunID
	// and an empty StrategyID is taken from Strategy.
	Run domain.BacktestRun

	// Strategy decides entries and rule exits. When nil it is built from
	// Run.StrategyID with the default periods.
	Strategy strategy.Strategy

	Bars       storage.BarStore
	Indicators storage.IndicatorStore

	// Filter gates entries. When nil, Filters resolves it for the strategy.
	Filter  marketfilter.Filter
	Filters marketfilter.Selector

	// Risk configures sizing and stops. RiskFraction is always taken from
	// Run.RiskPerTrade; a zero Config means risk.DefaultConfig.
	Risk risk.Config

	// Policy defaults to DefaultPolicy when nil.
	Policy *Policy

	// Repository is optional. When set, the result is persisted after the run.
	Repository storage.RunRepository
	Overwrite  bool

	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Concurrency int
	Now         func() time.Time
}

// Engine runs one backtest. It is single-use.
type Engine struct {
	run         domain.BacktestRun
	strategy    strategy.Strategy
	bars        storage.BarStore
	indicators  storage.IndicatorStore
	filter      marketfilter.Filter
	risk        *risk.Manager
	policy      Policy
	builder     *result.Builder
	persist     bool
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int

	keys      []domain.IndicatorKey
	atrKey    domain.IndicatorKey
	stopMult  float64
	trailMult float64

	mu    sync.Mutex
	state domain.RunState

	pf      *portfolio.Portfolio
	daily   []domain.DailyRecord
	skipped map[string]int
	pending []pendingEntry
	lastDay time.Time
}

// pendingEntry is a signal waiting for the next open.
type pendingEntry struct {
	instrument string
	signalDate time.Time
	atr        float64
}

// NewEngine validates the configuration and creates an Engine.
// Steps:
//  1. Resolve the strategy (explicit or from Run.StrategyID)
//  2. Check collaborators and the run definition
//  3. Normalize the universe and calendar
//  4. Build the risk manager with the strategy's stop multiples
//  5. Derive the run ID when absent
func NewEngine(opts Options) (*Engine, error) {
	// 1. Resolve the strategy
	strat := opts.Strategy
	if strat == nil {
		if opts.Run.StrategyID == "" {
			return nil, fmt.Errorf("%w: strategy", ErrMissingCollaborator)
		}
		s, err := strategy.FromID(opts.Run.StrategyID)
		if err != nil {
			return nil, err
		}
		strat = s
	}

	// 2. Check collaborators and the run definition
	filter := opts.Filter
	if filter == nil && opts.Filters != nil {
		filter = opts.Filters.ForStrategy(strat)
	}
	switch {
	case opts.Bars == nil:
		return nil, fmt.Errorf("%w: bar store", ErrMissingCollaborator)
	case opts.Indicators == nil:
		return nil, fmt.Errorf("%w: indicator store", ErrMissingCollaborator)
	case filter == nil:
		return nil, fmt.Errorf("%w: market filter", ErrMissingCollaborator)
	}

	run := opts.Run
	if run.StrategyID == "" {
		run.StrategyID = strat.ID()
	}
	run.StartDate = domain.NormalizeDate(run.StartDate)
	run.EndDate = domain.NormalizeDate(run.EndDate)
	if err := run.Validate(); err != nil {
		return nil, err
	}

	// 3. Normalize the universe and calendar
	run.Universe = normalizeUniverse(run.Universe)
	if len(run.Universe) == 0 {
		return nil, ErrEmptyUniverse
	}
	if run.Calendar == "" {
		run.Calendar = domain.DefaultCalendar
	}

	// 4. Build the risk manager
	cfg := opts.Risk
	if cfg == (risk.Config{}) {
		cfg = risk.DefaultConfig()
	}
	cfg.RiskFraction = run.RiskPerTrade
	stopMult, trailMult := cfg.StopMultiple, cfg.TrailingMultiple
	if rp, ok := strat.(strategy.RiskProfile); ok {
		stopMult, trailMult = rp.StopMultiple(), rp.TrailingMultiple()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	manager, err := risk.NewManager(cfg, logger.Named("risk"))
	if err != nil {
		return nil, err
	}

	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}

	// 5. Derive the run ID
	if run.RunID == "" {
		run.RunID = idhash.ComputeRunID(run,
			fmt.Sprintf("stop=%.4f trail=%.4f cap=%.4f reduction=%t", stopMult, trailMult, cfg.MaxPortfolioRisk, cfg.Reduction.Enabled),
			policy.String(),
		)
	}
	if run.CreatedAt.IsZero() {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		run.CreatedAt = now().UTC()
	}

	m := opts.Metrics
	if m == nil {
		m = observability.DefaultMetrics
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	atrKey := domain.Key(domain.KindATR, strategy.ATRPeriod)
	keys := append([]domain.IndicatorKey(nil), strat.Requirements()...)
	if !containsKey(keys, atrKey) {
		keys = append(keys, atrKey)
	}

	return &Engine{
		run:        run,
		strategy:   strat,
		bars:       opts.Bars,
		indicators: opts.Indicators,
		filter:     filter,
		risk:       manager,
		policy:     policy,
		builder: result.NewBuilder(result.BuilderOptions{
			Repository: opts.Repository,
			Overwrite:  opts.Overwrite,
			Logger:     logger,
			Metrics:    m,
		}),
		persist:     opts.Repository != nil,
		logger:      logger.With(zap.String("run_id", run.RunID), zap.String("strategy", run.StrategyID)),
		metrics:     m,
		concurrency: concurrency,
		keys:        keys,
		atrKey:      atrKey,
		stopMult:    stopMult,
		trailMult:   trailMult,
		state:       domain.RunStateNotStarted,
		skipped:     make(map[string]int),
	}, nil
}

// RunDefinition returns the normalized run definition, including the run ID.
func (e *Engine) RunDefinition() domain.BacktestRun {
	run := e.run
	run.Universe = append([]string(nil), e.run.Universe...)
	return run
}

// State returns the lifecycle state.
func (e *Engine) State() domain.RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run executes the simulation.
// Steps:
//  1. Transition NOT_STARTED -> RUNNING
//  2. Load trading days from the calendar instrument
//  3. Step every date in order; abort on cancellation or data errors
//  4. Force close remaining positions (policy)
//  5. Build the result and mark COMPLETED
//  6. Persist when a repository is configured
//
// A persistence failure returns the complete result together with an
// error wrapping ErrPersistence.
func (e *Engine) Run(ctx context.Context) (*result.Result, error) {
	// 1. Transition to RUNNING
	e.mu.Lock()
	if e.state != domain.RunStateNotStarted {
		e.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	e.state = domain.RunStateRunning
	e.mu.Unlock()

	started := time.Now()
	e.pf = portfolio.New(e.run.RunID, e.run.InitialCapital)
	e.risk.UpdatePeakEquity(e.run.InitialCapital)

	e.logger.Info("backtest started",
		zap.Time("start", e.run.StartDate),
		zap.Time("end", e.run.EndDate),
		zap.Int("universe", len(e.run.Universe)),
		zap.Float64("capital", e.run.InitialCapital),
		zap.Stringer("policy", e.policy),
	)

	// 2. Load trading days
	days, err := e.bars.TradingDays(ctx, e.run.Calendar, e.run.StartDate, e.run.EndDate)
	if err != nil {
		return nil, e.fail(started, fmt.Errorf("load trading days: %w", err))
	}
	if len(days) == 0 {
		e.logger.Warn("calendar has no trading days in range",
			zap.String("calendar", e.run.Calendar),
			zap.Time("start", e.run.StartDate),
			zap.Time("end", e.run.EndDate),
		)
	}

	// 3. Step every date
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, e.fail(started, err)
		}
		if err := e.step(ctx, day); err != nil {
			return nil, e.fail(started, err)
		}
		e.lastDay = day
	}

	// 4. Force close
	if e.policy.ForceCloseAtEnd && e.pf.PositionCount() > 0 && len(e.daily) > 0 {
		if err := e.forceClose(ctx); err != nil {
			return nil, e.fail(started, err)
		}
	}

	// 5. Build the result
	res := result.Build(e.run, e.pf.State(), e.daily)
	for reason, n := range e.skipped {
		res.Skipped[reason] = n
	}

	e.mu.Lock()
	e.state = domain.RunStateCompleted
	e.mu.Unlock()

	e.metrics.RecordRun(e.run.StrategyID, string(domain.RunStateCompleted), time.Since(started).Seconds())
	e.metrics.LastCompletedRunUTC.Set(float64(time.Now().Unix()))
	e.logger.Info("backtest completed",
		zap.Int("days", len(e.daily)),
		zap.Int("trades", len(res.Trades)),
		zap.Float64("final_equity", res.FinalEquity),
		zap.Float64("total_return", res.Stats.TotalReturn),
		zap.Duration("elapsed", time.Since(started)),
	)

	// 6. Persist
	if e.persist {
		if err := e.builder.Persist(ctx, res); err != nil {
			e.logger.Error("persist failed", zap.Error(err))
			return res, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}

	return res, nil
}

func (e *Engine) fail(started time.Time, err error) error {
	e.mu.Lock()
	e.state = domain.RunStateFailed
	e.mu.Unlock()

	e.metrics.RecordRun(e.run.StrategyID, string(domain.RunStateFailed), time.Since(started).Seconds())
	e.logger.Error("backtest failed", zap.Error(err))
	return err
}

// dayData is everything fetched for one date.
type dayData struct {
	bars       map[string]*domain.Bar
	indicators map[string]map[domain.IndicatorKey]float64
	allowed    bool
}

func (d *dayData) snapshot(instrument string) (domain.Snapshot, bool) {
	bar, ok := d.bars[instrument]
	if !ok || bar == nil {
		return domain.Snapshot{}, false
	}
	return domain.Snapshot{Bar: *bar, Indicators: d.indicators[instrument]}, true
}

// fetch loads the date's bars, indicator values and filter decision concurrently.
func (e *Engine) fetch(ctx context.Context, date time.Time) (*dayData, error) {
	d := &dayData{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		bars, err := e.bars.GetByDate(gctx, e.run.Universe, date)
		if err != nil {
			return fmt.Errorf("get bars %s: %w", domain.FormatDate(date), err)
		}
		d.bars = bars
		return nil
	})
	g.Go(func() error {
		values, err := e.indicators.GetByDate(gctx, e.run.Universe, date, e.keys)
		if err != nil {
			return fmt.Errorf("get indicators %s: %w", domain.FormatDate(date), err)
		}
		d.indicators = values
		return nil
	})
	g.Go(func() error {
		ok, err := e.filter.IsEntryAllowed(gctx, date)
		if err != nil {
			return fmt.Errorf("market filter %s: %w", domain.FormatDate(date), err)
		}
		d.allowed = ok
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

// step simulates one trading date.
// Steps:
//  1. Fetch bars, indicators and the filter decision
//  2. Fill entries pending from the previous date (next-open timing)
//  3. Mark positions and settle exits
//  4. Scan and apply new entries when the filter allows
//  5. Record the day and update peak equity
func (e *Engine) step(ctx context.Context, date time.Time) error {
	// 1. Fetch
	d, err := e.fetch(ctx, date)
	if err != nil {
		return err
	}

	startCash := e.pf.Cash()
	budget := &cashBudget{reuse: e.policy.SameDayCashReuse, startCash: startCash}

	// 2. Pending entries
	if err := e.fillPending(date, d, budget); err != nil {
		return err
	}

	// 3. Exits
	stopped, err := e.settleExits(date, d)
	if err != nil {
		return err
	}

	// 4. Entries
	if d.allowed {
		if err := e.scanEntries(ctx, date, d, stopped, budget); err != nil {
			return err
		}
	}

	// 5. Record
	rec := e.pf.Record(date)
	e.daily = append(e.daily, rec)
	e.risk.UpdatePeakEquity(rec.Equity)
	e.metrics.RecordDay(rec.Equity, rec.PositionCount)
	return nil
}

// settleExits marks positions and closes the ones whose stop or rule fired.
// Returns the instruments stopped out today.
func (e *Engine) settleExits(date time.Time, d *dayData) (map[string]bool, error) {
	check := func(pos domain.Position, bar domain.Bar) (bool, domain.ExitReason) {
		snap := domain.Snapshot{Bar: bar, Indicators: d.indicators[pos.Instrument]}
		return e.strategy.ShouldExit(pos, date, snap)
	}
	trail := func(pos domain.Position) float64 {
		return e.risk.TrailingStopWith(pos.StopLoss, pos.HighestClose, pos.ATRAtEntry, e.trailMult)
	}

	stopped := make(map[string]bool)
	for _, order := range e.pf.MarkAndCheckExits(date, d.bars, check, trail, e.policy.ExitPriority) {
		if err := e.closePosition(order.Instrument, order.Date, order.Price, order.Reason); err != nil {
			return nil, err
		}
		if order.Reason.IsStop() {
			stopped[order.Instrument] = true
		}
	}
	return stopped, nil
}

func (e *Engine) closePosition(instrument string, date time.Time, price float64, reason domain.ExitReason) error {
	trade, err := e.pf.Close(instrument, date, price, reason)
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrInvariantViolation, instrument, err)
	}
	e.risk.OnTradeExit(*trade, e.pf.Equity())
	e.metrics.RecordTradeClosed(string(reason))
	e.logger.Debug("position closed",
		zap.String("instrument", instrument),
		zap.Time("date", date),
		zap.Float64("price", price),
		zap.String("reason", string(reason)),
		zap.Float64("pnl", trade.PnL),
		zap.Float64("r_multiple", trade.RMultiple),
	)
	return nil
}

// scanEntries evaluates ShouldEnter for every candidate in parallel and
// applies the signals serially in ascending instrument order.
func (e *Engine) scanEntries(ctx context.Context, date time.Time, d *dayData, stopped map[string]bool, budget *cashBudget) error {
	candidates := e.candidates(d, stopped)
	if len(candidates) == 0 {
		return nil
	}

	signals := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, inst := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			snap, _ := d.snapshot(inst)
			signals[i] = e.strategy.ShouldEnter(inst, date, snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, inst := range candidates {
		if !signals[i] {
			continue
		}
		snap, _ := d.snapshot(inst)
		atr, ok := snap.Value(e.atrKey)
		if !ok || atr <= 0 {
			e.skip(inst, date, SkipNoATR)
			continue
		}

		if e.policy.EntryTiming == EntryNextOpen {
			e.pending = append(e.pending, pendingEntry{instrument: inst, signalDate: date, atr: atr})
			e.logger.Debug("entry queued for next open", zap.String("instrument", inst), zap.Time("date", date))
			continue
		}
		if err := e.enter(inst, date, snap.Bar.Close, atr, budget); err != nil {
			return err
		}
	}
	return nil
}

// candidates lists instruments eligible for an entry signal today.
func (e *Engine) candidates(d *dayData, stopped map[string]bool) []string {
	queued := make(map[string]bool, len(e.pending))
	for _, p := range e.pending {
		queued[p.instrument] = true
	}

	var out []string
	for _, inst := range e.run.Universe {
		if e.pf.Has(inst) || queued[inst] {
			continue
		}
		if e.policy.NoReentryAfterStop && stopped[inst] {
			continue
		}
		if bar, ok := d.bars[inst]; !ok || bar == nil {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// fillPending fills yesterday's signals at today's open.
// Pending entries never survive more than one date.
func (e *Engine) fillPending(date time.Time, d *dayData, budget *cashBudget) error {
	if len(e.pending) == 0 {
		return nil
	}
	pending := e.pending
	e.pending = nil

	for _, p := range pending {
		bar, ok := d.bars[p.instrument]
		switch {
		case !ok || bar == nil:
			e.skip(p.instrument, date, SkipNoBar)
		case !d.allowed:
			e.skip(p.instrument, date, SkipMarketFilter)
		case e.pf.Has(p.instrument):
		default:
			if err := e.enter(p.instrument, date, bar.Open, p.atr, budget); err != nil {
				return err
			}
		}
	}
	return nil
}

// enter sizes and opens one position. Rejections are counted skips.
// Steps:
//  1. Size with current equity
//  2. Check the portfolio risk cap
//  3. Check available cash (policy)
//  4. Open
func (e *Engine) enter(instrument string, date time.Time, price, atr float64, budget *cashBudget) error {
	equity := e.pf.Equity()

	// 1. Size
	sizing, ok := e.risk.SizePositionWith(equity, price, atr, e.stopMult)
	if !ok {
		e.skip(instrument, date, SkipZeroShares)
		return nil
	}

	// 2. Risk cap
	if !e.risk.CanTakeRisk(e.pf.OpenRisk(), sizing.RiskAmount, equity) {
		e.skip(instrument, date, SkipRiskCap)
		return nil
	}

	// 3. Cash
	cost := price * float64(sizing.Shares)
	if cost > budget.available(e.pf.Cash()) {
		e.skip(instrument, date, SkipInsufficientCash)
		return nil
	}

	// 4. Open
	if err := e.pf.Open(instrument, date, price, sizing.Shares, sizing.Stop, atr); err != nil {
		if errors.Is(err, portfolio.ErrInsufficientCash) {
			e.skip(instrument, date, SkipInsufficientCash)
			return nil
		}
		return fmt.Errorf("%w: open %s: %w", ErrInvariantViolation, instrument, err)
	}
	budget.spend(cost)

	e.metrics.RecordEntryOpened()
	e.logger.Debug("position opened",
		zap.String("instrument", instrument),
		zap.Time("date", date),
		zap.Float64("price", price),
		zap.Int64("shares", sizing.Shares),
		zap.Float64("stop", sizing.Stop),
		zap.Float64("risk_fraction", sizing.Fraction),
	)
	return nil
}

func (e *Engine) skip(instrument string, date time.Time, reason string) {
	e.skipped[reason]++
	e.metrics.RecordEntrySkipped(reason)
	e.logger.Debug("entry skipped",
		zap.String("instrument", instrument),
		zap.Time("date", date),
		zap.String("reason", reason),
	)
}

// forceClose closes every open position at the last trading date's close,
// falling back to the last known close when that date has no bar.
// The final daily record is rewritten to reflect the settlement.
func (e *Engine) forceClose(ctx context.Context) error {
	date := e.lastDay
	for _, pos := range e.pf.Positions() {
		price := pos.LastClose
		bars, err := e.bars.GetRange(ctx, pos.Instrument, pos.EntryDate, date)
		if err != nil {
			return fmt.Errorf("force close %s: %w", pos.Instrument, err)
		}
		if c, err := lookup.CloseAsOf(date, bars); err == nil {
			price = c
		}
		if err := e.closePosition(pos.Instrument, date, price, domain.ExitEndOfBacktest); err != nil {
			return err
		}
	}
	e.daily[len(e.daily)-1] = e.pf.Record(date)
	return nil
}

// cashBudget enforces the same-day cash reuse policy.
type cashBudget struct {
	reuse     bool
	startCash float64
	spent     float64
}

func (b *cashBudget) available(cash float64) float64 {
	if b.reuse {
		return cash
	}
	if left := b.startCash - b.spent; left < cash {
		return left
	}
	return cash
}

func (b *cashBudget) spend(amount float64) {
	b.spent += amount
}

func normalizeUniverse(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func containsKey(keys []domain.IndicatorKey, k domain.IndicatorKey) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}
