package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prock"

// Dispatch outcome label values.
const (
	OutcomeMocked       = "mocked"
	OutcomeForwarded    = "forwarded"
	OutcomeForwardError = "forward_error"
	OutcomeCancelled    = "cancelled"
	OutcomePanic        = "panic"
)

// Metrics holds every prock collector and the registry they live in.
type Metrics struct {
	Registry *prometheus.Registry

	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	TableEntries prometheus.Gauge
	TableVersion prometheus.Gauge

	SyncApplied     *prometheus.CounterVec
	SyncErrors      *prometheus.CounterVec
	Rebuilds        prometheus.Counter
	RebuildDuration prometheus.Histogram

	EventsDelivered *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	AdminRequests    *prometheus.CounterVec
	AdminRateLimited prometheus.Counter
}

// New creates a Metrics with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		DispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Requests handled by the dispatcher",
		}, []string{"outcome", "method", "status"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent answering or forwarding a request",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		TableEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_table_entries",
			Help:      "Entries in the route table, enabled or not",
		}),
		TableVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_table_version",
			Help:      "Current route table snapshot version",
		}),

		SyncApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_applied_total",
			Help:      "Change signals applied to the route table",
		}, []string{"action"}),
		SyncErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_errors_total",
			Help:      "Records or signals the synchronizer could not apply",
		}, []string{"reason"}),
		Rebuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rebuilds_total",
			Help:      "Full route table rebuilds",
		}),
		RebuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_rebuild_duration_seconds",
			Help:      "Duration of full route table rebuilds",
			Buckets:   prometheus.DefBuckets,
		}),

		EventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events delivered to subscribers",
		}, []string{"subscriber"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}, []string{"subscriber"}),

		AdminRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Management API requests",
		}, []string{"method", "route", "status"}),
		AdminRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_rate_limited_total",
			Help:      "Management API requests rejected by the rate limiter",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveTable records the size and version of the route table.
func (m *Metrics) ObserveTable(entries int, version uint64) {
	m.TableEntries.Set(float64(entries))
	m.TableVersion.Set(float64(version))
}
