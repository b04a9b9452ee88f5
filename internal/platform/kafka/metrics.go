package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded per consumed record.
const (
	outcomeHandled      = "handled"
	outcomeSkipped      = "skipped"
	outcomeDiscarded    = "discarded"
	outcomeDeadLettered = "dead_lettered"
)

// Results recorded per publish call.
const (
	publishAcked   = "acked"
	publishUnacked = "unacked"
	publishError   = "error"
)

type Metrics struct {
	consumed        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	published       *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline collectors with reg. A nil reg keeps the
// collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		consumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersync",
			Subsystem: "subscriber",
			Name:      "records_total",
			Help:      "Records read from the broker by outcome.",
		}, []string{"topic", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersync",
			Subsystem: "subscriber",
			Name:      "handler_retries_total",
			Help:      "Handler invocations retried after a failure.",
		}, []string{"topic"}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersync",
			Subsystem: "publisher",
			Name:      "messages_total",
			Help:      "Publish calls by result.",
		}, []string{"topic", "result"}),
		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ordersync",
			Subsystem: "subscriber",
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one record, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}
