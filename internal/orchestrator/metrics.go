package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics exported on the dashboard's /metrics endpoint.
var (
	metricOpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openrange_open_positions",
		Help: "Number of currently open positions.",
	})
	metricSignals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openrange_signals_cohort_size",
		Help: "Size of the day's frozen signal cohort.",
	})
	metricOrdersFilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openrange_orders_filled_total",
		Help: "Entry orders filled.",
	})
	metricOrdersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openrange_orders_failed_total",
		Help: "Entry orders that failed placement.",
	})
	metricExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openrange_exits_total",
		Help: "Positions closed, labelled by exit reason.",
	}, []string{"reason"})
	metricRealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openrange_realized_pnl_dollars",
		Help: "Cumulative realized P&L in dollars for the day.",
	})
)
