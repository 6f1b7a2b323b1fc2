// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package metrics exposes Prometheus counters for capture runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics owns its registry so several instances can coexist in tests.
type Metrics struct {
	Registry *prometheus.Registry

	runs            *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	records         prometheus.Counter
	cleanupFailures *prometheus.CounterVec
	lastSuccess     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avdcapture_runs_total",
				Help: "Orchestration runs by outcome (success or fault kind)",
			},
			[]string{"outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "avdcapture_phase_duration_seconds",
				Help:    "Wall time spent in each orchestration phase",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"phase"},
		),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avdcapture_records_total",
			Help: "Records appended to the record log",
		}),
		cleanupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avdcapture_cleanup_failures_total",
				Help: "Failed cleanup actions by action name",
			},
			[]string{"action"},
		),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avdcapture_last_success_timestamp_seconds",
			Help: "Unix time of the last successful extraction",
		}),
	}
	m.Registry.MustRegister(
		m.runs,
		m.phaseDuration,
		m.records,
		m.cleanupFailures,
		m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// The methods below accept a nil receiver so callers can run without metrics.

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) RecordAppended() {
	if m == nil {
		return
	}
	m.records.Inc()
	m.lastSuccess.SetToCurrentTime()
}

func (m *Metrics) CleanupFailed(action string) {
	if m == nil {
		return
	}
	m.cleanupFailures.WithLabelValues(action).Inc()
}
