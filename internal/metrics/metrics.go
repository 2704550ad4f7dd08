// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cardbridge"

// Webhook outcomes.
const (
	OutcomeProcessed       = "processed"
	OutcomeFailed          = "failed"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeUnknownCategory = "unknown_category"
	// OutcomeUnrecorded is a delivery dropped because its audit row could not be written.
	OutcomeUnrecorded = "unrecorded"
)

// Metrics methods are safe to call on a nil receiver, which records nothing.
type Metrics struct {
	issuerRequests *prometheus.CounterVec
	issuerDuration *prometheus.HistogramVec
	webhookEvents  *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers the collectors on reg. Each registry can hold one Metrics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		issuerRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "issuer",
				Name:      "requests_total",
				Help:      "Outbound issuer calls by operation, mode and result.",
			},
			[]string{"op", "mode", "result"},
		),
		issuerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "issuer",
				Name:      "request_duration_seconds",
				Help:      "Latency of outbound issuer calls.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op", "mode"},
		),
		webhookEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Inbound webhook deliveries by category and outcome.",
			},
			[]string{"category", "outcome"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by method and route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) ObserveIssuerCall(op, mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.issuerRequests.WithLabelValues(op, mode, result).Inc()
	m.issuerDuration.WithLabelValues(op, mode).Observe(d.Seconds())
}

func (m *Metrics) ObserveWebhook(category, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(category, outcome).Inc()
}

// Middleware records request counts and latency labelled with the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
