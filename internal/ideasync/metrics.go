package ideasync

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "ideasync"

// Metrics holds the client-side counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	eventsApplied *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	polls         *prometheus.CounterVec
	reconnects    prometheus.Counter
	submissions   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_applied_total",
			Help:      "Normalized events applied to the reconciliation store, by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Inbound messages or events dropped, by reason.",
		}, []string{"reason"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poll_ticks_total",
			Help:      "Poll scheduler ticks, by outcome.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Push channel reconnect attempts.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "submissions_total",
			Help:      "Idea submissions, by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsApplied, m.eventsDropped, m.polls, m.reconnects, m.submissions)
	}
	return m
}

func (m *Metrics) applied(kind EventKind) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}
