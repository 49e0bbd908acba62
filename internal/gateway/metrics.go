package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ingestion counters exposed on the prometheus
// endpoint.
type Metrics struct {
	Accepted    prometheus.Counter
	Malformed   prometheus.Counter
	RateLimited prometheus.Counter
	SinkErrors  *prometheus.CounterVec
}

// NewMetrics registers the gateway counters with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsense_ingest_accepted_total",
			Help: "Readings accepted and fanned out to sinks.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsense_ingest_malformed_total",
			Help: "Readings dropped for failing validation.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsense_ingest_ratelimited_total",
			Help: "Readings shed by the per-device rate limit.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsense_ingest_sink_errors_total",
			Help: "Per-sink write failures during fan-out.",
		}, []string{"sink"}),
	}
	reg.MustRegister(m.Accepted, m.Malformed, m.RateLimited, m.SinkErrors)
	return m
}
