package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GuestsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infrasim_guests_total",
			Help: "Total number of guests by observed state",
		},
		[]string{"state"},
	)

	NetworksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infrasim_networks_total",
			Help: "Total number of networks",
		},
	)

	VolumesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infrasim_volumes_total",
			Help: "Total number of volumes",
		},
	)

	SnapshotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infrasim_snapshots_total",
			Help: "Total number of snapshots",
		},
	)

	CommandRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infrasim_command_requests_total",
			Help: "Total number of Command Interface calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	CommandRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infrasim_command_request_duration_seconds",
			Help:    "Command Interface call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infrasim_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "infrasim_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infrasim_reconciliation_failures_total",
			Help: "Total number of reconciliation failures by resource kind",
		},
		[]string{"kind"},
	)

	GuestLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infrasim_guest_launch_duration_seconds",
			Help:    "Time from launch call to observed running in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	GuestStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infrasim_guest_stop_duration_seconds",
			Help:    "Time taken to stop a guest in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MonitorCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infrasim_monitor_command_duration_seconds",
			Help:    "Time taken for a Hypervisor Adapter monitor protocol round trip",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	CASBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "infrasim_cas_bytes_total",
			Help: "Total bytes written to the content-addressed artifact store",
		},
	)

	CASObjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infrasim_cas_objects_total",
			Help: "Total number of objects in the content-addressed artifact store",
		},
	)

	AttestationSignDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infrasim_attestation_sign_duration_seconds",
			Help:    "Time taken to generate and sign an attestation record",
			Buckets: prometheus.DefBuckets,
		},
	)

	QosApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infrasim_qos_apply_duration_seconds",
			Help:    "Time taken to apply a traffic-shaping rule set",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infrasim_plan_duration_seconds",
			Help:    "Time taken to validate and build a plan",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventBusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "infrasim_event_bus_subscribers",
			Help: "Current number of active Event Bus subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		GuestsTotal,
		NetworksTotal,
		VolumesTotal,
		SnapshotsTotal,
		CommandRequestsTotal,
		CommandRequestDuration,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationFailuresTotal,
		GuestLaunchDuration,
		GuestStopDuration,
		MonitorCommandDuration,
		CASBytesTotal,
		CASObjectsTotal,
		AttestationSignDuration,
		QosApplyDuration,
		PlanDuration,
		EventBusSubscribers,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
