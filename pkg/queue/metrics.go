package queue

import (
	"github.com/guido-cesarano/caseq/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by a Manager.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// tasksProcessed counts settled tasks.
	// Labels:
	//   - status: "succeeded", "failed" or "cancelled"
	//   - priority: "low", "normal" or "high"
	tasksProcessed *prometheus.CounterVec

	// taskDuration tracks how long work ran, in seconds.
	taskDuration *prometheus.HistogramVec

	// queueLatency tracks the time a task waited before it started running.
	queueLatency *prometheus.HistogramVec

	activeQueues prometheus.Gauge
	pendingTasks prometheus.Gauge
	runningTasks prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseq_tasks_total",
			Help: "The total number of settled tasks",
		}, []string{"status", "priority"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseq_task_duration_seconds",
			Help:    "Duration of task execution",
			Buckets: prometheus.DefBuckets,
		}, []string{"priority"}),
		queueLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseq_queue_latency_seconds",
			Help:    "Time spent in a case queue before execution",
			Buckets: prometheus.DefBuckets,
		}, []string{"priority"}),
		activeQueues: f.NewGauge(prometheus.GaugeOpts{
			Name: "caseq_active_queues",
			Help: "Number of case queues currently held in the registry",
		}),
		pendingTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "caseq_pending_tasks",
			Help: "Number of queued tasks across all cases",
		}),
		runningTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "caseq_running_tasks",
			Help: "Number of tasks currently running across all cases",
		}),
	}
}

func (m *Metrics) observeStart(t tasks.Task) {
	if m == nil {
		return
	}
	m.queueLatency.WithLabelValues(t.Priority.String()).Observe(t.Wait().Seconds())
}

func (m *Metrics) observeSettled(t tasks.Task) {
	if m == nil {
		return
	}
	m.tasksProcessed.WithLabelValues(t.State.String(), t.Priority.String()).Inc()
	if !t.StartedAt.IsZero() {
		m.taskDuration.WithLabelValues(t.Priority.String()).Observe(t.Duration().Seconds())
	}
}

// SetDepth publishes registry gauges from a Stats snapshot.
func (m *Metrics) SetDepth(s Stats) {
	if m == nil {
		return
	}
	m.activeQueues.Set(float64(s.Cases))
	m.pendingTasks.Set(float64(s.Pending))
	m.runningTasks.Set(float64(s.Running))
}
