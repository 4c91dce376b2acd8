// Package metrics holds the Prometheus collectors shared by the client and
// the emulator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	MessagesDispatched prometheus.Counter
	TaskPanics         prometheus.Counter
	SubscriberCloses   *prometheus.CounterVec
	MessagesPublished  prometheus.Counter
	MessagesServed     prometheus.Counter
	ActiveStreams      *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		MessagesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsublite_messages_dispatched_total",
			Help: "Messages handed to the callback executor",
		}),
		TaskPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsublite_executor_task_panics_total",
			Help: "Executor tasks that panicked",
		}),
		SubscriberCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pubsublite_subscriber_closes_total",
			Help: "Subscriber shutdowns by outcome",
		}, []string{"outcome"}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsublite_emulator_messages_published_total",
			Help: "Messages appended by the emulator",
		}),
		MessagesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsublite_emulator_messages_served_total",
			Help: "Messages delivered to subscribers by the emulator",
		}),
		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pubsublite_emulator_active_streams",
			Help: "Open emulator streams by method",
		}, []string{"method"}),
	}
	reg.MustRegister(m.MessagesDispatched, m.TaskPanics, m.SubscriberCloses, m.MessagesPublished, m.MessagesServed, m.ActiveStreams)
	return m
}

func (m *Metrics) Handler() http.Handler { return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}) }

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Dispatched() {
	if m != nil {
		m.MessagesDispatched.Inc()
	}
}

func (m *Metrics) Panicked() {
	if m != nil {
		m.TaskPanics.Inc()
	}
}

// Closed records a subscriber shutdown; a non-nil err counts as a failure.
func (m *Metrics) Closed(err error) {
	if m == nil {
		return
	}
	outcome := "clean"
	if err != nil {
		outcome = "failed"
	}
	m.SubscriberCloses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Published(n int) {
	if m != nil {
		m.MessagesPublished.Add(float64(n))
	}
}

func (m *Metrics) Served(n int) {
	if m != nil {
		m.MessagesServed.Add(float64(n))
	}
}

// StreamOpened tracks an open stream and returns the matching close func.
func (m *Metrics) StreamOpened(method string) func() {
	if m == nil {
		return func() {}
	}
	g := m.ActiveStreams.WithLabelValues(method)
	g.Inc()
	return g.Dec
}
