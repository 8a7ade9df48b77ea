package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileInvariantMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewlock",
		Subsystem: "reconciliation",
		Name:      "ledger_invariant_mismatch",
		Help:      "1 if approved != spent + remaining in the last run, else 0.",
	})

	reconcileSpentMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewlock",
		Subsystem: "reconciliation",
		Name:      "spent_payments_mismatch",
		Help:      "1 if session spend diverged from verified payments in the last run, else 0.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "viewlock",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewlock",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileInvariantMismatch,
		reconcileSpentMismatch,
		reconcileDuration,
		reconcileErrors,
	)
}
