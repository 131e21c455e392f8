package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BrokerMetrics holds the Prometheus collectors for the dispatch engine and
// the HTTP facade. Each instance carries its own registry so tests can build
// as many as they need.
type BrokerMetrics struct {
	registry *prometheus.Registry

	PublishedTotal   *prometheus.CounterVec
	ConsumedTotal    *prometheus.CounterVec
	AckTotal         *prometheus.CounterVec
	NackTotal        *prometheus.CounterVec
	ReprocessedTotal *prometheus.CounterVec
	SweptStuckTotal  prometheus.Counter
	SweptAckedTotal  prometheus.Counter

	httpDuration *prometheus.HistogramVec
}

func NewBrokerMetrics() *BrokerMetrics {
	m := &BrokerMetrics{
		registry: prometheus.NewRegistry(),
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fastpubsub_published_messages_total",
				Help: "Messages fanned out to subscriptions at publish",
			},
			[]string{"topic"},
		),
		ConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fastpubsub_consumed_messages_total",
				Help: "Messages leased to consumers",
			},
			[]string{"subscription"},
		),
		AckTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fastpubsub_ack_batches_total",
				Help: "Ack batches processed",
			},
			[]string{"subscription"},
		),
		NackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fastpubsub_nack_batches_total",
				Help: "Nack batches processed",
			},
			[]string{"subscription"},
		),
		ReprocessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fastpubsub_dlq_reprocess_batches_total",
				Help: "DLQ reprocess batches processed",
			},
			[]string{"subscription"},
		),
		SweptStuckTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastpubsub_swept_stuck_messages_total",
			Help: "Stuck leases released by the sweeper",
		}),
		SweptAckedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastpubsub_swept_acked_messages_total",
			Help: "Acked messages deleted by the sweeper",
		}),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fastpubsub_http_request_duration_seconds",
				Help:    "HTTP request duration by method, route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		),
	}

	m.registry.MustRegister(
		m.PublishedTotal,
		m.ConsumedTotal,
		m.AckTotal,
		m.NackTotal,
		m.ReprocessedTotal,
		m.SweptStuckTotal,
		m.SweptAckedTotal,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *BrokerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware observes request durations labeled by the chi route pattern.
func (m *BrokerMetrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		m.httpDuration.WithLabelValues(
			r.Method, routePattern(r), strconv.Itoa(ww.Status()),
		).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return r.URL.Path
	}
	if p := rc.RoutePattern(); p != "" {
		return p
	}
	return r.URL.Path
}
