// Package metrics holds the prometheus collectors of the coordinator
// and the analyst.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zmlp"

// Coordinator counts scheduling events.
type Coordinator struct {
	TasksQueued          prometheus.Counter
	TasksStopped         *prometheus.CounterVec
	TasksOrphaned        prometheus.Counter
	TasksExpanded        prometheus.Counter
	AnalystsDown         prometheus.Counter
	HousekeepingDuration prometheus.Histogram
}

// NewCoordinator creates coordinator collectors and registers them to reg.
// Nothing is registered when reg is nil.
func NewCoordinator(reg prometheus.Registerer) *Coordinator {
	m := &Coordinator{
		TasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "coordinator", "tasks_queued_total"),
			Help: "Tasks leased to analysts.",
		}),
		TasksStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "coordinator", "tasks_stopped_total"),
			Help: "Task stop reports by resulting state.",
		}, []string{"state"}),
		TasksOrphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "coordinator", "tasks_orphaned_total"),
			Help: "Leased tasks reset to waiting by housekeeping.",
		}),
		TasksExpanded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "coordinator", "tasks_expanded_total"),
			Help: "Child tasks created by running tasks.",
		}),
		AnalystsDown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "coordinator", "analysts_down_total"),
			Help: "Analysts marked down for not pinging.",
		}),
		HousekeepingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prometheus.BuildFQName(namespace, "coordinator", "housekeeping_seconds"),
			Help:    "Duration of housekeeping cycles.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TasksQueued,
			m.TasksStopped,
			m.TasksOrphaned,
			m.TasksExpanded,
			m.AnalystsDown,
			m.HousekeepingDuration,
		)
	}
	return m
}

// Analyst counts worker side events.
type Analyst struct {
	TasksRunning  prometheus.Gauge
	TasksExecuted *prometheus.CounterVec
	PollErrors    *prometheus.CounterVec
	Backoffs      prometheus.Counter
	Kills         prometheus.Counter
}

// NewAnalyst creates analyst collectors and registers them to reg.
// Nothing is registered when reg is nil.
func NewAnalyst(reg prometheus.Registerer) *Analyst {
	m := &Analyst{
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prometheus.BuildFQName(namespace, "analyst", "tasks_running"),
			Help: "Tasks being executed.",
		}),
		TasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "analyst", "tasks_executed_total"),
			Help: "Finished executions by exit status.",
		}, []string{"exit_status"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "analyst", "poll_errors_total"),
			Help: "Failed calls to coordinators.",
		}, []string{"host"}),
		Backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "analyst", "poll_backoff_skips_total"),
			Help: "Coordinators skipped while backing off.",
		}),
		Kills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "analyst", "kills_total"),
			Help: "Executions cancelled by kill requests.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TasksRunning,
			m.TasksExecuted,
			m.PollErrors,
			m.Backoffs,
			m.Kills,
		)
	}
	return m
}
