package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the Prometheus collectors the supervisor exposes on
// /metrics: active agent count, tasks by status, integration merges, and
// tick duration (spec.md §5 MetricsSnapshot). Adapted from the teacher's
// internal/otel metrics, moved to a Prometheus registry per SPEC_FULL.md's
// domain-stack commitment to prometheus/client_golang.
type Registry struct {
	reg *prometheus.Registry

	ActiveAgents       prometheus.Gauge
	TasksByStatus      *prometheus.GaugeVec
	IntegrationMerges  *prometheus.CounterVec
	TickDuration       prometheus.Histogram
	PhaseDuration      *prometheus.HistogramVec
	SelfUpdateAttempts *prometheus.CounterVec
}

// NewRegistry builds a fresh Registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sepiped_active_agents",
			Help: "Number of sandboxed agent runs currently in flight.",
		}),
		TasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sepiped_tasks_by_status",
			Help: "Number of tasks currently in each status.",
		}, []string{"status"}),
		IntegrationMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sepiped_integration_merges_total",
			Help: "Total integration branch merges, by outcome.",
		}, []string{"outcome"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sepiped_scheduler_tick_duration_seconds",
			Help:    "Duration of a full scheduler tick.",
			Buckets: prometheus.DefBuckets,
		}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sepiped_phase_duration_seconds",
			Help:    "Duration of a phase run, by phase name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		SelfUpdateAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sepiped_self_update_attempts_total",
			Help: "Total self-update attempts, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.ActiveAgents,
		r.TasksByStatus,
		r.IntegrationMerges,
		r.TickDuration,
		r.PhaseDuration,
		r.SelfUpdateAttempts,
	)
	return r
}

// RecordTick observes a scheduler tick's duration.
func (r *Registry) RecordTick(d time.Duration) {
	r.TickDuration.Observe(d.Seconds())
}

// RecordPhase observes a phase run's duration.
func (r *Registry) RecordPhase(phase string, d time.Duration) {
	r.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordMerge increments the merge counter for outcome ("merged", "conflict",
// "failed").
func (r *Registry) RecordMerge(outcome string) {
	r.IntegrationMerges.WithLabelValues(outcome).Inc()
}

// RecordSelfUpdateAttempt increments the self-update counter for outcome
// ("applied", "rolled_back", "failed").
func (r *Registry) RecordSelfUpdateAttempt(outcome string) {
	r.SelfUpdateAttempts.WithLabelValues(outcome).Inc()
}

// SetTasksByStatus replaces the tasks-by-status gauge values wholesale,
// called once per scheduler tick with a fresh status->count snapshot so
// stale statuses (now zero) are cleared rather than left stuck.
func (r *Registry) SetTasksByStatus(counts map[string]int) {
	r.TasksByStatus.Reset()
	for status, n := range counts {
		r.TasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetActiveAgents sets the current in-flight agent count.
func (r *Registry) SetActiveAgents(n int) {
	r.ActiveAgents.Set(float64(n))
}
