// Package metrics exposes Prometheus collectors for the runtime. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shellpilot"

type Metrics struct {
	registry *prometheus.Registry

	TasksActive    prometheus.Gauge
	TasksFinished  *prometheus.CounterVec
	TaskDuration   prometheus.Histogram
	Approvals      *prometheus.CounterVec
	ShellCommands  *prometheus.CounterVec
	ShellDuration  *prometheus.HistogramVec
	Events         *prometheus.CounterVec
	Tokens         *prometheus.CounterVec
	StreamClients  prometheus.Gauge
	PaneEnsureErrs prometheus.Counter
}

// New registers all collectors on a private registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Number of live tasks",
		}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that left the live set, by outcome",
		}, []string{"outcome"}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time from enqueue to completion",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval decisions, by decision and source (user, policy, cancel, timeout)",
		}, []string{"decision", "source"}),
		ShellCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shell_commands_total",
			Help:      "Shell commands dispatched, by wait mode and outcome",
		}, []string{"mode", "outcome"}),
		ShellDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shell_command_duration_seconds",
			Help:      "Time from dispatch to result",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120, 600},
		}, []string{"mode"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Runtime events emitted, by family",
		}, []string{"family"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Model tokens consumed, by direction",
		}, []string{"direction"}),
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected event stream clients",
		}),
		PaneEnsureErrs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pane_errors_total",
			Help:      "Transport failures while ensuring or using a pane",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksActive.Inc()
}

func (m *Metrics) TaskFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksActive.Dec()
	m.TasksFinished.WithLabelValues(outcome).Inc()
	m.TaskDuration.Observe(d.Seconds())
}

func (m *Metrics) Approval(decision, source string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(decision, source).Inc()
}

func (m *Metrics) ShellCommand(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ShellCommands.WithLabelValues(mode, outcome).Inc()
	m.ShellDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) Event(family string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(family).Inc()
}

func (m *Metrics) TokenUsage(input, output int) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues("input").Add(float64(input))
	m.Tokens.WithLabelValues("output").Add(float64(output))
}

func (m *Metrics) StreamClient(delta int) {
	if m == nil {
		return
	}
	m.StreamClients.Add(float64(delta))
}

func (m *Metrics) PaneError() {
	if m == nil {
		return
	}
	m.PaneEnsureErrs.Inc()
}
