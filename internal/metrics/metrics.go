// Package metrics exposes Prometheus collectors for sweeps and delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace for all attributor metrics
const namespace = "attributor"

// Registry is the process registry for all attributor metrics
var Registry = prometheus.NewRegistry()

// Sweep metrics
var (
	// SweepDuration records sweep latency by kind (attribution, event_delivery, aggregate_delivery)
	SweepDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one sweep in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	// SweepErrors counts sweeps aborted by an error
	SweepErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Total number of sweeps that returned an error",
		},
		[]string{"kind"},
	)
)

// Attribution metrics
var (
	// TriggersProcessed counts triggers by final status (attributed, ignored)
	TriggersProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_processed_total",
			Help:      "Total number of triggers consumed by attribution",
		},
		[]string{"status"},
	)

	// ReportsCreated counts reports written by type (event, aggregate, fake_event)
	ReportsCreated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_created_total",
			Help:      "Total number of reports written",
		},
		[]string{"type"},
	)

	// AttributionsBlocked counts event or aggregate attributions refused by a guard
	AttributionsBlocked = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attributions_blocked_total",
			Help:      "Total number of attributions refused by rate limit, dedup or caps",
		},
		[]string{"scope", "reason"},
	)
)

// Delivery metrics
var (
	// ReportsDelivered counts delivery attempts by type and outcome (success, failure)
	ReportsDelivered = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_delivery_attempts_total",
			Help:      "Total number of report delivery attempts",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
