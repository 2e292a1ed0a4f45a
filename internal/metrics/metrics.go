// Package metrics holds the prometheus collectors exported on /metrics.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

// Metrics groups every collector conductor exports.
type Metrics struct {
	registry *prometheus.Registry

	commandsAccepted prometheus.Counter
	commandsFinished *prometheus.CounterVec
	resolutions      *prometheus.CounterVec
	activityAttempts *prometheus.CounterVec
	deploymentPolls  prometheus.Counter
	deploymentsDone  *prometheus.CounterVec
	workflowAdvances *prometheus.HistogramVec
	resultDeliveries *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

// New creates collectors registered on a fresh registry that also carries
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		commandsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_accepted_total",
			Help:      "Commands accepted onto the intake queue.",
		}),
		commandsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_finished_total",
			Help:      "Commands that reached a terminal status.",
		}, []string{"status"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Command type resolutions by outcome (handler, ignored, unsupported).",
		}, []string{"outcome"}),
		activityAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_attempts_total",
			Help:      "Activity attempts by activity name and result.",
		}, []string{"activity", "result"}),
		deploymentPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_polls_total",
			Help:      "Deployment state polls issued.",
		}),
		deploymentsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_finished_total",
			Help:      "Deployment state machines that reached Done, by outcome.",
		}, []string{"outcome"}),
		workflowAdvances: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_advance_seconds",
			Help:      "Duration of one workflow advance.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "status"}),
		resultDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_deliveries_total",
			Help:      "Result sink deliveries by callback scheme and result.",
		}, []string{"scheme", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intake_queue_depth",
			Help:      "Messages waiting on the intake queue.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commandsAccepted,
		m.commandsFinished,
		m.resolutions,
		m.activityAttempts,
		m.deploymentPolls,
		m.deploymentsDone,
		m.workflowAdvances,
		m.resultDeliveries,
		m.queueDepth,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) CommandAccepted() {
	if m == nil {
		return
	}
	m.commandsAccepted.Inc()
}

func (m *Metrics) CommandFinished(status string) {
	if m == nil {
		return
	}
	m.commandsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) Resolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ActivityAttempt(activity string, err error) {
	if m == nil {
		return
	}
	m.activityAttempts.WithLabelValues(activity, resultLabel(err)).Inc()
}

func (m *Metrics) DeploymentPolled() {
	if m == nil {
		return
	}
	m.deploymentPolls.Inc()
}

func (m *Metrics) DeploymentFinished(outcome string) {
	if m == nil {
		return
	}
	m.deploymentsDone.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WorkflowAdvanced(workflow, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.workflowAdvances.WithLabelValues(workflow, status).Observe(elapsed.Seconds())
}

func (m *Metrics) ResultDelivered(scheme string, err error) {
	if m == nil {
		return
	}
	m.resultDeliveries.WithLabelValues(scheme, resultLabel(err)).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
