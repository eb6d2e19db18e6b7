// Package prometheus provides a Prometheus implementation of aggregate.Metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/terraskye/aggregate"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

type metrics struct {
	// Repository metrics
	repoLoadDuration     *prometheus.HistogramVec
	repoSaveDuration     *prometheus.HistogramVec
	eventsLoaded         *prometheus.CounterVec
	eventsAppended       *prometheus.CounterVec
	repoErrors           *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	// Command metrics
	commandDuration *prometheus.HistogramVec
	commands        *prometheus.CounterVec
}

// NewMetrics creates the aggregate metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) aggregate.Metrics {
	m := &metrics{
		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aggregate_repo_load_duration_seconds",
			Help:    "Repository load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		repoSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aggregate_repo_save_duration_seconds",
			Help:    "Repository save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregate_events_loaded_total",
			Help: "Total number of events replayed into aggregates",
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregate_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		repoErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregate_repo_errors_total",
			Help: "Total number of failed repository operations",
		}, []string{"aggregate_type", "operation"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregate_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}, []string{"aggregate_type"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aggregate_command_duration_seconds",
			Help:    "Command handling latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type", "command_type"}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregate_commands_total",
			Help: "Total number of handled commands",
		}, []string{"aggregate_type", "command_type", "success"}),
	}

	reg.MustRegister(
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.eventsLoaded,
		m.eventsAppended,
		m.repoErrors,
		m.concurrencyConflicts,
		m.commandDuration,
		m.commands,
	)

	return m
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *metrics) RepositoryLoad(aggType string, events int, d time.Duration, err error) {
	m.repoLoadDuration.WithLabelValues(aggType).Observe(d.Seconds())
	if err != nil {
		m.repoErrors.WithLabelValues(aggType, "load").Inc()
		return
	}
	m.eventsLoaded.WithLabelValues(aggType).Add(float64(events))
}

func (m *metrics) RepositorySave(aggType string, events int, d time.Duration, err error) {
	m.repoSaveDuration.WithLabelValues(aggType).Observe(d.Seconds())
	if err != nil {
		m.repoErrors.WithLabelValues(aggType, "save").Inc()
		return
	}
	m.eventsAppended.WithLabelValues(aggType).Add(float64(events))
}

func (m *metrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *metrics) CommandHandled(aggType, commandType string, d time.Duration, err error) {
	m.commandDuration.WithLabelValues(aggType, commandType).Observe(d.Seconds())
	m.commands.WithLabelValues(aggType, commandType, boolToStr(err == nil)).Inc()
}

var _ aggregate.Metrics = (*metrics)(nil)
