// Package metrics exposes the dispatcher's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/me/vgrid/pkg/model"
)

const prefix = "vgrid_"

// Metrics holds the dispatcher collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobsInFlight prometheus.Gauge
	runningTests prometheus.Gauge
	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	testsTotal   *prometheus.CounterVec
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "jobs_in_flight",
			Help: "Number of jobs currently running against the comparison service",
		}),
		runningTests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "running_tests",
			Help: "Number of registered RunningTests without an outcome",
		}),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "jobs_total",
				Help: "Number of finished jobs by kind and final state",
			},
			[]string{"kind", "state"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "job_duration_seconds",
				Help:    "Time from dispatch to completion of a job",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"kind"},
		),
		testsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "tests_total",
				Help: "Number of RunningTests that produced an outcome, by result",
			},
			[]string{"result"},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.jobsInFlight, m.runningTests, m.jobsTotal, m.jobDuration, m.testsTotal}
}

// JobStarted records a dispatched job.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

// JobFinished records a job that left RUNNING after d.
func (m *Metrics) JobFinished(kind model.JobKind, state model.JobState, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
	m.jobsTotal.WithLabelValues(kind.String(), state.String()).Inc()
	m.jobDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

// TestRegistered records a new RunningTest.
func (m *Metrics) TestRegistered() {
	if m == nil {
		return
	}
	m.runningTests.Inc()
}

// TestFinished records a RunningTest that produced its outcome.
func (m *Metrics) TestFinished(outcome model.TestOutcome) {
	if m == nil {
		return
	}
	m.runningTests.Dec()
	m.testsTotal.WithLabelValues(resultLabel(outcome)).Inc()
}

func resultLabel(o model.TestOutcome) string {
	switch {
	case o.Aborted:
		return "aborted"
	case o.Failed():
		return "failed"
	default:
		return "passed"
	}
}
