package synapse

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	received   *prometheus.CounterVec
	applied    *prometheus.CounterVec
	relayed    *prometheus.CounterVec
	requested  prometheus.Counter
	pendingKey prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "souma_vesicles_received_total",
			Help: "Envelopes ingested, by processing result.",
		}, []string{"result"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "souma_objects_applied_total",
			Help: "Object changes applied to local storage, by action.",
		}, []string{"action"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "souma_vesicles_relayed_total",
			Help: "Envelopes handed to the network boundary, by outcome.",
		}, []string{"outcome"}),
		requested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "souma_object_requests_sent_total",
			Help: "Object requests sent for missing or stub objects.",
		}),
		pendingKey: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "souma_vesicles_pending_key",
			Help: "Envelopes parked waiting for key material.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.received, m.applied, m.relayed, m.requested, m.pendingKey)
	}
	return m
}
