// Package metrics defines the Prometheus collectors exported by the
// scheduler. All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "archivist"

// Scheduler pass results.
const (
	PassDispatched = "dispatched"
	PassIdle       = "idle"
	PassNoCapacity = "no_capacity"
	PassSkipped    = "skipped"
	PassError      = "error"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	reg prometheus.Registerer

	schedulerPasses  *prometheus.CounterVec
	tasksQueued      prometheus.Counter
	dispatches       *prometheus.CounterVec
	dispatchLatency  prometheus.Histogram
	orphansRecovered *prometheus.CounterVec
	reactions        *prometheus.CounterVec
	jobsFinished     prometheus.Counter
	jobsExpired      prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		schedulerPasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "passes_total",
			Help:      "Scheduler passes by result.",
		}, []string{"result"}),
		tasksQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_queued_total",
			Help:      "Tasks moved from waiting to queued.",
		}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Task dispatches by outcome.",
		}, []string{"outcome"}),
		dispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent waiting for workers to answer a dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}),
		orphansRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "orphans_recovered_total",
			Help:      "Orphaned tasks returned to waiting, by the state they were found in.",
		}, []string{"from"}),
		reactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaction",
			Name:      "handled_total",
			Help:      "Worker reports handled by result.",
		}, []string{"result"}),
		jobsFinished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs that reached the finished state.",
		}),
		jobsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "expired_total",
			Help:      "Finished jobs soft-expired by maintenance.",
		}),
	}
}

// ObserveWorkers exports the number of workers able to take a task.
func (m *Metrics) ObserveWorkers(available func() int) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "available",
		Help:      "Workers currently able to accept a task.",
	}, func() float64 { return float64(available()) })
}

func (m *Metrics) SchedulerPass(result string) {
	if m == nil {
		return
	}
	m.schedulerPasses.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskQueued() {
	if m == nil {
		return
	}
	m.tasksQueued.Inc()
}

func (m *Metrics) Dispatch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
	m.dispatchLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) OrphanRecovered(from string) {
	if m == nil {
		return
	}
	m.orphansRecovered.WithLabelValues(from).Inc()
}

func (m *Metrics) Reaction(result string) {
	if m == nil {
		return
	}
	m.reactions.WithLabelValues(result).Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.jobsFinished.Inc()
}

func (m *Metrics) JobsExpired(n int) {
	if m == nil {
		return
	}
	m.jobsExpired.Add(float64(n))
}
