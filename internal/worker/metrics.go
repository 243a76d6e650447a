package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "queue_worker"

// Job results recorded in Metrics.Jobs
const (
	ResultAcked     = "acked"
	ResultNacked    = "nacked"
	ResultAckFailed = "ack_failed"
)

// Metrics holds the pool's Prometheus collectors
type Metrics struct {
	InFlight    prometheus.Gauge
	Jobs        *prometheus.CounterVec
	Fetched     prometheus.Counter
	FetchErrors prometheus.Counter
	Requeued    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "in_flight",
			Help:      "Jobs submitted to the executor and not yet acknowledged.",
		}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_total",
			Help:      "Completed jobs by queue and result.",
		}, []string{"queue", "result"}),
		Fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetched_total",
			Help:      "Jobs returned by broker fetches.",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_errors_total",
			Help:      "Failed broker fetches.",
		}),
		Requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requeued_total",
			Help:      "Fetched jobs returned to the broker without being dispatched.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.InFlight, m.Jobs, m.Fetched, m.FetchErrors, m.Requeued)
	}
	return m
}
