package httpapi

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaleidoscope/ideasync/internal/collab"
)

const metricsNamespace = "ideasync_server"

type serverMetrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	submissions *prometheus.CounterVec
	pushClients prometheus.Gauge
	rateLimited prometheus.Counter
}

func newServerMetrics(reg *prometheus.Registry, store *collab.Store) *serverMetrics {
	m := &serverMetrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "REST requests served, by route and status code.",
		}, []string{"route", "code"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "submissions_total",
			Help:      "Idea submissions, by outcome.",
		}, []string{"result"}),
		pushClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "push_clients",
			Help:      "Connected push channel clients.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the per-client rate limiter.",
		}),
	}
	reg.MustRegister(m.requests, m.submissions, m.pushClients, m.rateLimited)
	if store != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "ideas_stored",
				Help:      "Ideas currently held by the store.",
			}, func() float64 { return float64(store.Count()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "push_events_dropped_total",
				Help:      "Push events dropped because a subscriber queue was full.",
			}, func() float64 { return float64(store.DroppedEvents()) }),
		)
	}
	// AlreadyRegistered errors are ignored for shared registries.
	_ = reg.Register(collectors.NewGoCollector())
	_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *serverMetrics) observeRequest(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *serverMetrics) submission(result string) {
	m.submissions.WithLabelValues(result).Inc()
}

func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
