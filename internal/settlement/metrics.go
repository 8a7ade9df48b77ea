package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "viewlock",
		Subsystem: "settlement",
		Name:      "total",
		Help:      "Settlement attempts by outcome.",
	}, []string{"outcome"}) // "verified", "failed"

	settlementAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "viewlock",
		Subsystem: "settlement",
		Name:      "amount_usdc",
		Help:      "Distribution of gross settlement amounts in USDC.",
		Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 100, 1000},
	})

	settlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "viewlock",
		Subsystem: "settlement",
		Name:      "duration_seconds",
		Help:      "Wall time of a full settlement including confirmation wait.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	debitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewlock",
		Subsystem: "settlement",
		Name:      "debit_failures_total",
		Help:      "Ledger debits that failed after a confirmed network transfer. Any nonzero value needs manual reconciliation.",
	})
)

func init() {
	prometheus.MustRegister(
		settlementsTotal,
		settlementAmount,
		settlementDuration,
		debitFailures,
	)
}
