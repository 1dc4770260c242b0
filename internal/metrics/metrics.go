package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	NominationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunker_nominations_total",
			Help: "Nomination requests by outcome",
		},
		[]string{"outcome"},
	)

	FinalizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunker_finalizations_total",
			Help: "Finalize requests by outcome",
		},
		[]string{"outcome"},
	)

	SealEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seal_events_total",
			Help: "BunkerFinalized events observed by the sealing pipeline",
		},
	)

	SealFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seal_failures_total",
			Help: "Events the sealing pipeline failed to process",
		},
	)

	AnchorFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seal_anchor_failures_total",
			Help: "Anchor transactions that failed after sealing",
		},
	)

	ApprovalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "approval_wait_duration_seconds",
			Help:    "Time spent waiting for the human approval reply",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(NominationsTotal)
	prometheus.MustRegister(FinalizationsTotal)
	prometheus.MustRegister(SealEventsTotal)
	prometheus.MustRegister(SealFailuresTotal)
	prometheus.MustRegister(AnchorFailuresTotal)
	prometheus.MustRegister(ApprovalDuration)
}
