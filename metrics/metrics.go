// Package metrics exposes Prometheus collectors for the relay. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatrelay"

// Outcomes recorded per dispatched operation.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Session transition kinds.
const (
	TransitionJoin       = "join"
	TransitionJoinFailed = "join_failed"
	TransitionLeave      = "leave"
)

// Relay traffic directions.
const (
	RelayPublished = "published"
	RelayReceived  = "received"
	RelayDropped   = "dropped"
)

type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	connections       prometheus.Gauge
	transitions       *prometheus.CounterVec
	broadcasts        prometheus.Counter
	relayMessages     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Client operations dispatched, by operation and outcome.",
		}, []string{"operation", "outcome"}),

		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent dispatching a client operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently open client connections.",
		}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session membership changes, by kind.",
		}, []string{"kind"}),

		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Messages fanned out to session members.",
		}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages crossing the pub/sub relay, by direction.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SessionTransition(kind string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) Relay(direction string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(direction).Inc()
}
