// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Run metrics
	RunsTotal           *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec
	TradingDaysTotal    prometheus.Counter
	TradesClosed        *prometheus.CounterVec
	EntriesOpened       prometheus.Counter
	EntriesSkipped      *prometheus.CounterVec
	OpenPositions       prometheus.Gauge
	Equity              prometheus.Gauge
	LastCompletedRunUTC prometheus.Gauge

	// Ingest metrics
	BarsIngested       prometheus.Counter
	IndicatorsComputed prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "krx_trend_lab"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Total number of backtest runs by strategy and status",
		}, []string{"strategy", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "run_duration_seconds",
			Help:      "Backtest run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"strategy"}),
		TradingDaysTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "trading_days_processed_total",
			Help:      "Total number of trading days simulated",
		}),
		TradesClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "trades_closed_total",
			Help:      "Total number of closed trades by exit reason",
		}, []string{"reason"}),
		EntriesOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "entries_opened_total",
			Help:      "Total number of positions opened",
		}),
		EntriesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "entries_skipped_total",
			Help:      "Total number of entry signals skipped by reason",
		}, []string{"reason"}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "open_positions",
			Help:      "Open positions after the most recent simulated day",
		}),
		Equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "equity",
			Help:      "Portfolio equity after the most recent simulated day",
		}),
		LastCompletedRunUTC: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_completed_run_timestamp",
			Help:      "Unix timestamp of last completed backtest run",
		}),

		BarsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bars_ingested_total",
			Help:      "Total number of daily bars stored",
		}),
		IndicatorsComputed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "indicator_values_computed_total",
			Help:      "Total number of indicator values stored",
		}),

		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordRun records a finished run.
func (m *Metrics) RecordRun(strategy, status string, durationSeconds float64) {
	m.RunsTotal.WithLabelValues(strategy, status).Inc()
	m.RunDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

// RecordDay records one simulated trading day.
func (m *Metrics) RecordDay(equity float64, openPositions int) {
	m.TradingDaysTotal.Inc()
	m.Equity.Set(equity)
	m.OpenPositions.Set(float64(openPositions))
}

// RecordTradeClosed counts a closed trade by exit reason.
func (m *Metrics) RecordTradeClosed(reason string) {
	m.TradesClosed.WithLabelValues(reason).Inc()
}

// RecordEntryOpened counts an opened position.
func (m *Metrics) RecordEntryOpened() {
	m.EntriesOpened.Inc()
}

// RecordEntrySkipped counts a skipped entry signal.
func (m *Metrics) RecordEntrySkipped(reason string) {
	m.EntriesSkipped.WithLabelValues(reason).Inc()
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, seconds float64, err error) {
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordDBQuery records database query metrics on DefaultMetrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.RecordDBQuery(database, operation, seconds, err)
}

// RecordIngest records stored bars and indicator values on DefaultMetrics.
func RecordIngest(bars, indicators int) {
	DefaultMetrics.BarsIngested.Add(float64(bars))
	DefaultMetrics.IndicatorsComputed.Add(float64(indicators))
}
