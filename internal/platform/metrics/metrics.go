// Package metrics exposes Prometheus collectors for HTTP traffic and the
// dashboard's domain events. Every recording method is safe on a nil
// *Metrics so services can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	patientsCreated prometheus.Counter
	recordsCreated  *prometheus.CounterVec
	recordsDeleted  *prometheus.CounterVec
	inviteEmails    *prometheus.CounterVec

	liveSessions prometheus.Gauge
	liveWatches  *prometheus.GaugeVec
}

// New registers all collectors on a private registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		patientsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patients_created_total",
			Help:      "Patients created.",
		}),
		recordsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_records_created_total",
			Help:      "Health records created by kind.",
		}, []string{"kind"}),
		recordsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_records_deleted_total",
			Help:      "Health record deletions by outcome (deleted, missing, error).",
		}, []string{"outcome"}),
		inviteEmails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invite_emails_total",
			Help:      "Patient invitation emails by outcome.",
		}, []string{"outcome"}),
		liveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "sessions",
			Help:      "Open live websocket sessions.",
		}),
		liveWatches: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "watches",
			Help:      "Active live watches by view.",
		}, []string{"view"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware records request count and latency keyed by the matched route
// template, not the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) PatientCreated() {
	if m == nil {
		return
	}
	m.patientsCreated.Inc()
}

func (m *Metrics) RecordCreated(kind string) {
	if m == nil {
		return
	}
	m.recordsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDeleted(outcome string) {
	if m == nil {
		return
	}
	m.recordsDeleted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InviteEmail(outcome string) {
	if m == nil {
		return
	}
	m.inviteEmails.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LiveSessionOpened() {
	if m == nil {
		return
	}
	m.liveSessions.Inc()
}

func (m *Metrics) LiveSessionClosed() {
	if m == nil {
		return
	}
	m.liveSessions.Dec()
}

func (m *Metrics) WatchStarted(view string) {
	if m == nil {
		return
	}
	m.liveWatches.WithLabelValues(view).Inc()
}

func (m *Metrics) WatchStopped(view string) {
	if m == nil {
		return
	}
	m.liveWatches.WithLabelValues(view).Dec()
}
