// Package metrics exposes the scheduling engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"garage/backend/internal/domain"
)

// Booking outcomes.
const (
	OutcomeBooked   = "booked"
	OutcomeConflict = "conflict"
	OutcomeCapacity = "capacity"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
	OutcomeOverride = "override"
)

// Recorder is what the service layer reports to. Nop satisfies it for
// callers that do not collect metrics.
type Recorder interface {
	Booking(outcome string)
	Transition(from, to domain.Status)
	SlotQuery(total, available int)
	Snapshot(appts []domain.Appointment)
}

type Metrics struct {
	registry *prometheus.Registry

	bookings      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	slotQueries   prometheus.Counter
	slotsOffered  prometheus.Histogram
	slotsSeen     *prometheus.CounterVec
	byStatus      *prometheus.GaugeVec
	requestTiming *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "garage",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "garage",
			Name:      "status_transitions_total",
			Help:      "Applied appointment status transitions.",
		}, []string{"from", "to"}),
		slotQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "garage",
			Name:      "slot_queries_total",
			Help:      "Available slot lookups.",
		}),
		slotsOffered: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "garage",
			Name:      "slots_available",
			Help:      "Available slots returned per lookup.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		slotsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "garage",
			Name:      "slots_evaluated_total",
			Help:      "Candidate slots evaluated by lookups, by result.",
		}, []string{"result"}),
		byStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "garage",
			Name:      "appointments",
			Help:      "Appointments currently stored, by status.",
		}, []string{"status"}),
		requestTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "garage",
			Name:      "http_request_duration_seconds",
			Help:      "REST request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}
	m.registry.MustRegister(
		m.bookings,
		m.transitions,
		m.slotQueries,
		m.slotsOffered,
		m.slotsSeen,
		m.byStatus,
		m.requestTiming,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Booking(outcome string) {
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(from, to domain.Status) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) SlotQuery(total, available int) {
	m.slotQueries.Inc()
	m.slotsOffered.Observe(float64(available))
	m.slotsSeen.WithLabelValues("available").Add(float64(available))
	if taken := total - available; taken > 0 {
		m.slotsSeen.WithLabelValues("unavailable").Add(float64(taken))
	}
}

// Snapshot resets the per-status gauge from a full appointment snapshot.
func (m *Metrics) Snapshot(appts []domain.Appointment) {
	counts := map[domain.Status]int{
		domain.StatusScheduled:  0,
		domain.StatusInProgress: 0,
		domain.StatusCompleted:  0,
		domain.StatusCancelled:  0,
	}
	for _, a := range appts {
		counts[a.Status]++
	}
	for status, n := range counts {
		m.byStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// ObserveRequest records one REST request.
func (m *Metrics) ObserveRequest(route, method, code string, seconds float64) {
	m.requestTiming.WithLabelValues(route, method, code).Observe(seconds)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type Nop struct{}

func (Nop) Booking(string) {}

func (Nop) Transition(domain.Status, domain.Status) {}

func (Nop) SlotQuery(int, int) {}

func (Nop) Snapshot([]domain.Appointment) {}
