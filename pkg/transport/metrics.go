package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_sensor_transport_events_total",
			Help: "Tracking events handled by the transport, by outcome",
		},
		[]string{"outcome"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_sensor_transport_state_transitions_total",
			Help: "Transport state transitions, by target state",
		},
		[]string{"state"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "privacy_sensor_transport_queue_depth",
			Help: "Tracking events waiting for a healthy context, across all transports",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesTotal)
	prometheus.MustRegister(stateTransitions)
	prometheus.MustRegister(queueDepth)
}

const (
	outcomeDelivered = "delivered"
	outcomeDropped   = "dropped"
	outcomeQueued    = "queued"
	outcomeRequeued  = "requeued"
	outcomeEvicted   = "evicted"
	outcomeAbandoned = "abandoned"
)
