// Package metrics exposes the orchestrator's Prometheus instrumentation,
// grounded on pkg/metrics/metrics.go's package-level gauge/histogram/
// counter vars registered once via init(), relabeled onto OctoLab's own
// lab lifecycle instead of a cluster/raft domain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LabsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octolab_labs_total",
			Help: "Current number of labs by status",
		},
		[]string{"status"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "octolab_provision_duration_seconds",
			Help:    "Time to provision a lab from PROVISIONING to READY/DEGRADED/FAILED",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	TeardownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "octolab_teardown_duration_seconds",
			Help:    "Time to tear down a lab from ENDING to FINISHED/FAILED",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	NetworkRmRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_network_rm_retries_total",
			Help: "Total number of docker network rm retry attempts during teardown",
		},
	)

	EvidenceSealFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_evidence_seal_failures_total",
			Help: "Total number of evidence seal failures",
		},
	)

	ActiveReservations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "octolab_active_reservations",
			Help: "Current number of active port reservations",
		},
	)

	TeardownWorkerCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_teardown_worker_cycles_total",
			Help: "Total number of teardown worker poll cycles",
		},
	)

	WatchdogActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_watchdog_actions_total",
			Help: "Total watchdog actions taken on stuck ENDING labs, by action",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(
		LabsTotal,
		ProvisionDuration,
		TeardownDuration,
		NetworkRmRetriesTotal,
		EvidenceSealFailuresTotal,
		ActiveReservations,
		TeardownWorkerCyclesTotal,
		WatchdogActionsTotal,
	)
}

// Handler returns the promhttp handler OctoLab's HTTP surface mounts at
// /metrics, matching pkg/metrics/metrics.go's exposition pattern.
func Handler() http.Handler {
	return promhttp.Handler()
}
