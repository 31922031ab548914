// Package metrics holds the Prometheus collectors for the service. A nil *Metrics
// is valid and records nothing, so components can be built without a registry.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	activityEntries     *prometheus.CounterVec
	activityDropped     prometheus.Counter
	activityPersistErrs prometheus.Counter
	liveSubscribers     prometheus.Gauge
	transitions         *prometheus.CounterVec
	paymentCallbacks    *prometheus.CounterVec
	chainActivations    *prometheus.CounterVec
	chainLatency        prometheus.Histogram
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New creates the collectors and registers them on a dedicated registry together
// with the Go runtime and process collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activityEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hima_activity_entries_total",
			Help: "Activity log entries published, by category and level",
		}, []string{"category", "level"}),
		activityDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hima_activity_dropped_deliveries_total",
			Help: "Entries not delivered to a live subscriber because its buffer was full",
		}),
		activityPersistErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hima_activity_persist_errors_total",
			Help: "Activity entries that could not be persisted",
		}),
		liveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hima_activity_live_subscribers",
			Help: "Currently attached log stream subscribers",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hima_conversation_transitions_total",
			Help: "Conversation steps processed, by source state and outcome",
		}, []string{"from", "outcome"}),
		paymentCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hima_payment_callbacks_total",
			Help: "Mobile-money callbacks handled, by outcome",
		}, []string{"outcome"}),
		chainActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hima_chain_activations_total",
			Help: "Chain activation attempts, by result",
		}, []string{"result"}),
		chainLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hima_chain_activation_duration_seconds",
			Help:    "Time from submission to confirmation of activation transactions",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hima_http_requests_total",
			Help: "HTTP requests served, by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hima_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activityEntries, m.activityDropped, m.activityPersistErrs, m.liveSubscribers,
		m.transitions, m.paymentCallbacks, m.chainActivations, m.chainLatency,
		m.httpRequests, m.httpDuration,
	} {
		if err := m.registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ActivityPublished(category, level string) {
	if m == nil {
		return
	}
	m.activityEntries.WithLabelValues(category, level).Inc()
}

func (m *Metrics) ActivityDropped() {
	if m == nil {
		return
	}
	m.activityDropped.Inc()
}

func (m *Metrics) ActivityPersistFailed() {
	if m == nil {
		return
	}
	m.activityPersistErrs.Inc()
}

func (m *Metrics) SubscriberAttached() {
	if m == nil {
		return
	}
	m.liveSubscribers.Inc()
}

func (m *Metrics) SubscriberDetached() {
	if m == nil {
		return
	}
	m.liveSubscribers.Dec()
}

// Transition records one processed conversation step. outcome is advanced, stayed, invalid or error.
func (m *Metrics) Transition(from, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, outcome).Inc()
}

func (m *Metrics) PaymentCallback(outcome string) {
	if m == nil {
		return
	}
	m.paymentCallbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChainActivation(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.chainActivations.WithLabelValues(result).Inc()
	m.chainLatency.Observe(took.Seconds())
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
