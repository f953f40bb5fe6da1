// internal/metrics/metrics.go
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_deliveries_claimed_total",
			Help: "Number of delivery records claimed by workers",
		},
	)

	OutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_delivery_outcomes_total",
			Help: "Delivery outcomes by resulting status",
		},
		[]string{"status"},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_send_duration_seconds",
			Help:    "Duration of transport send calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	StaleReleases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_stale_lease_releases_total",
			Help: "Outcomes dropped because the lease expired and was re-claimed",
		},
	)

	RunsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_runs_finished_total",
			Help: "Runs reaching a terminal status",
		},
		[]string{"status"},
	)

	StalledRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_stalled_runs_total",
			Help: "Running broadcasts observed with eligible work but no progress",
		},
	)
)

func Init() {
	prometheus.MustRegister(ClaimedTotal, OutcomeTotal, SendDuration, StaleReleases, RunsFinished, StalledRuns)
}
