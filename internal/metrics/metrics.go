// Package metrics exposes prometheus collectors for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gearwatch/internal/notify"
)

const namespace = "gearwatch"

// Collector is a prometheus.Collector for run outcomes.
type Collector struct {
	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	newGear         prometheus.Counter
	rejectedGear    prometheus.Counter
	users           *prometheus.CounterVec
	devices         *prometheus.CounterVec
	pruned          prometheus.Counter
	triggerRejected prometheus.Counter
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Pipeline runs by final state.",
			}, []string{"state"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a pipeline run.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		newGear: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gear_new_total",
				Help:      "Listings detected as new in the shop.",
			},
		),
		rejectedGear: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gear_rejected_total",
				Help:      "New listings rejected by the sanitizer.",
			},
		),
		users: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_users_total",
				Help:      "Users considered for dispatch by result.",
			}, []string{"result"},
		),
		devices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_devices_total",
				Help:      "Device delivery attempts by result.",
			}, []string{"result"},
		),
		pruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_pruned_total",
				Help:      "Subscriptions deleted after the push service reported them gone.",
			},
		),
		triggerRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_unauthorized_total",
				Help:      "Trigger requests rejected for a missing or wrong credential.",
			},
		),
	}
}

// ObserveRun records the result of one pipeline run.
func (c *Collector) ObserveRun(state string, took time.Duration, newGear, rejected int, o notify.Outcome) {
	c.runs.WithLabelValues(state).Inc()
	c.runDuration.Observe(took.Seconds())
	c.newGear.Add(float64(newGear))
	c.rejectedGear.Add(float64(rejected))

	c.users.WithLabelValues("notified").Add(float64(o.Notified))
	c.users.WithLabelValues("already_notified").Add(float64(o.AlreadyNotified))
	c.users.WithLabelValues("no_subscriber").Add(float64(o.NoSubscriber))
	c.users.WithLabelValues("error").Add(float64(o.UserErrors))

	c.devices.WithLabelValues("succeeded").Add(float64(o.DevicesSucceeded))
	c.devices.WithLabelValues("failed").Add(float64(o.DevicesFailed))
	c.pruned.Add(float64(o.Pruned))
}

// TriggerRejected counts a trigger request that failed authentication.
func (c *Collector) TriggerRejected() {
	c.triggerRejected.Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.runs.Describe(ch)
	c.runDuration.Describe(ch)
	c.newGear.Describe(ch)
	c.rejectedGear.Describe(ch)
	c.users.Describe(ch)
	c.devices.Describe(ch)
	c.pruned.Describe(ch)
	c.triggerRejected.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.runs.Collect(ch)
	c.runDuration.Collect(ch)
	c.newGear.Collect(ch)
	c.rejectedGear.Collect(ch)
	c.users.Collect(ch)
	c.devices.Collect(ch)
	c.pruned.Collect(ch)
	c.triggerRejected.Collect(ch)
}
