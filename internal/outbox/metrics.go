package outbox

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Polls       prometheus.Counter
	Claimed     prometheus.Counter
	Published   *prometheus.CounterVec
	Failed      *prometheus.CounterVec
	Dead        *prometheus.CounterVec
	Requeued    prometheus.Counter
	StoreErrors *prometheus.CounterVec
	LagSeconds  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolekeeper_outbox_polls_total",
			Help: "Outbox polling ticks.",
		}),
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolekeeper_outbox_claimed_total",
			Help: "Outbox rows claimed for publishing.",
		}),
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rolekeeper_outbox_published_total", Help: "Published outbox events."},
			[]string{"event_type"},
		),
		Failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rolekeeper_outbox_failed_total", Help: "Failed outbox publish attempts."},
			[]string{"event_type"},
		),
		Dead: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rolekeeper_outbox_dead_total", Help: "Outbox events that ran out of attempts."},
			[]string{"event_type"},
		),
		Requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rolekeeper_outbox_requeued_total",
			Help: "Stuck outbox rows moved back to pending.",
		}),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rolekeeper_outbox_store_errors_total", Help: "Outbox store failures by step."},
			[]string{"step"},
		),
		LagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rolekeeper_outbox_lag_seconds",
			Help: "Age in seconds of the oldest pending outbox row.",
		}),
	}
	reg.MustRegister(m.Polls, m.Claimed, m.Published, m.Failed, m.Dead, m.Requeued, m.StoreErrors, m.LagSeconds)
	return m
}
