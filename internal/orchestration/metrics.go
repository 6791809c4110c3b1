package orchestration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for bundle operations. A nil
// *Metrics records nothing.
type Metrics struct {
	created        *prometheus.CounterVec
	finished       *prometheus.CounterVec
	inFlight       prometheus.Gauge
	arrivals       *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirbundle_operations_created_total",
				Help: "Bundle operations created, by type",
			},
			[]string{"type"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirbundle_operations_finished_total",
				Help: "Bundle operations that reached a terminal state",
			},
			[]string{"type", "state"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fhirbundle_operations_in_flight",
				Help: "Bundle operations not yet in a terminal state",
			},
		),
		arrivals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirbundle_participants_arrived_total",
				Help: "Participant submissions accepted, by type",
			},
			[]string{"type"},
		),
		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fhirbundle_commit_duration_seconds",
				Help:    "Latency of transactional commits against the store",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.created, m.finished, m.inFlight, m.arrivals, m.commitDuration)
	}
	return m
}

func (m *Metrics) operationCreated(t OperationType) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(t.String()).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) operationFinished(t OperationType, s State) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(t.String(), s.String()).Inc()
	m.inFlight.Dec()
}

func (m *Metrics) participantArrived(t OperationType) {
	if m == nil {
		return
	}
	m.arrivals.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) commitObserved(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commitDuration.WithLabelValues(result).Observe(d.Seconds())
}
