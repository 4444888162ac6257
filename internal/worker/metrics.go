package worker

import "github.com/prometheus/client_golang/prometheus"

const (
	statusOK           = "ok"
	statusDuplicate    = "duplicate"
	statusMalformed    = "malformed"
	statusDropped      = "dropped"
	statusDeadLettered = "dead_lettered"
	statusFailed       = "failed"
)

// Metrics is shared by every worker in the process.
type Metrics struct {
	Processed    *prometheus.CounterVec
	Redeliveries *prometheus.CounterVec
	DeadLettered *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rolekeeper_events_processed_total", Help: "Consumed events by outcome."},
			[]string{"event_type", "status"},
		),
		Redeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rolekeeper_events_redelivered_total", Help: "In-place redelivery attempts after a retryable failure."},
			[]string{"event_type"},
		),
		DeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rolekeeper_events_dead_lettered_total", Help: "Events sent to the dead-letter topic."},
			[]string{"event_type"},
		),
	}
	reg.MustRegister(m.Processed, m.Redeliveries, m.DeadLettered)
	return m
}
