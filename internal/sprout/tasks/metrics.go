package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the control loops' counters and gauges. One instance per
// runner so tests can register against private registries.
type Metrics struct {
	LoopRuns          *prometheus.CounterVec
	LoopErrors        *prometheus.CounterVec
	AppliancesReady   prometheus.Counter
	AppliancesReaped  prometheus.Counter
	ProvisionFailures prometheus.Counter
	DelayedTasks      prometheus.Gauge
	MailersPending    prometheus.Gauge
}

// NewMetrics builds and registers the metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoopRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harbormaster",
			Subsystem: "sprout",
			Name:      "loop_runs_total",
			Help:      "Control loop ticks, per loop.",
		}, []string{"loop"}),
		LoopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harbormaster",
			Subsystem: "sprout",
			Name:      "loop_errors_total",
			Help:      "Control loop tick failures, per loop.",
		}, []string{"loop"}),
		AppliancesReady: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harbormaster",
			Subsystem: "sprout",
			Name:      "appliances_ready_total",
			Help:      "Appliances that reached the ready state.",
		}),
		AppliancesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harbormaster",
			Subsystem: "sprout",
			Name:      "appliances_reaped_total",
			Help:      "Appliances destroyed by the reaper.",
		}),
		ProvisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harbormaster",
			Subsystem: "sprout",
			Name:      "provision_failures_total",
			Help:      "Deploy attempts that moved an appliance to error.",
		}),
		DelayedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harbormaster",
			Subsystem: "sprout",
			Name:      "delayed_tasks",
			Help:      "Provisioning requests parked for capacity.",
		}),
		MailersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harbormaster",
			Subsystem: "sprout",
			Name:      "mailers_pending",
			Help:      "Unsent version mismatch notifications.",
		}),
	}
	reg.MustRegister(m.LoopRuns, m.LoopErrors, m.AppliancesReady, m.AppliancesReaped,
		m.ProvisionFailures, m.DelayedTasks, m.MailersPending)
	return m
}
