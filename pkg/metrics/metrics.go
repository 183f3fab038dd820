package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Turn metrics
	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_turns_total",
			Help: "Total number of turns by result (committed, aborted)",
		},
		[]string{"result"},
	)

	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_turn_duration_seconds",
			Help:    "Turn duration from dequeue to commit or rollback",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue metrics
	MessagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_messages_enqueued_total",
			Help: "Messages enqueued by direction (outbound, loopback)",
		},
		[]string{"direction"},
	)

	MessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_messages_dropped_total",
			Help: "Malformed or unknown-command messages dropped",
		},
	)

	InboundDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_inbound_depth",
			Help: "Messages waiting in the inbound queue",
		},
	)

	// Entity metrics
	UrbjectsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_urbjects_created_total",
			Help: "Urbjects created, by turns and by the CLI",
		},
	)

	// Transport metrics
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_delivery_attempts_total",
			Help: "Outbound delivery attempts by result (ok, error)",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Register registers all metrics with the default Prometheus registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TurnsTotal,
			TurnDuration,
			MessagesEnqueued,
			MessagesDropped,
			InboundDepth,
			UrbjectsCreated,
			DeliveryAttempts,
		)
	})
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
