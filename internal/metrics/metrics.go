// Package metrics exposes booking and sweep counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flavorscape"

// Sweep run results as reported by the sweeper.
const (
	sweepCompleted = "completed"
	sweepSkipped   = "skipped"
	sweepLockError = "lock_error"
)

// Recorder owns its registry so tests and multiple servers in one process do
// not collide on the default registerer.
type Recorder struct {
	registry           *prometheus.Registry
	reservations       *prometheus.CounterVec
	waitlist           *prometheus.CounterVec
	sweepRuns          *prometheus.CounterVec
	sweepNotifications *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	availableTables    prometheus.Gauge
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		reservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservation_operations_total",
				Help:      "Reservation ledger outcomes",
			},
			[]string{"outcome"},
		),
		waitlist: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waitlist_operations_total",
				Help:      "Waitlist queue outcomes",
			},
			[]string{"outcome"},
		),
		sweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_total",
				Help:      "Availability sweep runs by result",
			},
			[]string{"result"},
		),
		sweepNotifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_notifications_total",
				Help:      "Notifications attempted by the availability sweep",
			},
			[]string{"outcome"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of availability sweep runs",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		availableTables: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "available_tables",
				Help:      "Available tables seen by the last sweep",
			},
		),
	}
}

// ObserveReservation counts a ledger outcome.
func (r *Recorder) ObserveReservation(outcome string) {
	r.reservations.WithLabelValues(outcome).Inc()
}

// ObserveWaitlist counts a waitlist outcome.
func (r *Recorder) ObserveWaitlist(outcome string) {
	r.waitlist.WithLabelValues(outcome).Inc()
}

// ObserveSweepRun records a finished, skipped or failed sweep. Runs that
// never started scanning only bump the run counter; the table gauge follows
// completed scans.
func (r *Recorder) ObserveSweepRun(result string, tables int, duration time.Duration) {
	r.sweepRuns.WithLabelValues(result).Inc()
	switch result {
	case sweepSkipped, sweepLockError:
		return
	case sweepCompleted:
		r.availableTables.Set(float64(tables))
	}
	r.sweepDuration.Observe(duration.Seconds())
}

// ObserveNotification counts one sweep delivery attempt.
func (r *Recorder) ObserveNotification(outcome string) {
	r.sweepNotifications.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
