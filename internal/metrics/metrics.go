// Package metrics holds the engine's Prometheus collectors. They are registered
// on the default registry in init() and served by the health module at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	LoopErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_trader_loop_errors_total",
			Help: "Loop iterations that ended in an error or panic",
		},
		[]string{"loop"},
	)

	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_trader_signals_total",
			Help: "Signals seen by ingestion, by outcome",
		},
		[]string{"outcome"}, // entered|duplicate|denied|sizing|error
	)

	RiskDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_trader_risk_denials_total",
			Help: "Pre-trade denials by reason",
		},
		[]string{"reason"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_trader_exits_total",
			Help: "Closed positions by exit reason",
		},
		[]string{"reason"},
	)

	Discrepancies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_trader_reconcile_discrepancies_total",
			Help: "Reconciliation corrections by kind",
		},
		[]string{"kind"}, // UNTRACKED|PHANTOM
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signal_trader_open_positions",
			Help: "Positions currently tracked",
		},
	)

	DailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signal_trader_daily_pnl_usd",
			Help: "Realised PnL for the current trading day",
		},
	)

	BrokerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signal_trader_broker_call_seconds",
			Help:    "Broker gateway call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)
)

func init() {
	prometheus.MustRegister(
		LoopErrors,
		Signals,
		RiskDenials,
		Exits,
		Discrepancies,
		OpenPositions,
		DailyPnL,
		BrokerLatency,
	)
}
