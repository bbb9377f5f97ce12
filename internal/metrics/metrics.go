/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the cadence engine.
//
// All metrics are registered with the Prometheus default registry and are
// served by Handler.
//
// Metric naming follows Prometheus conventions:
//   - cadence_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DispatchesTotal counts rule dispatches by action kind and outcome.
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_dispatches_total",
			Help: "Total number of rule dispatches by action kind and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// DispatchDurationSeconds is a histogram of dispatch duration by action kind.
	DispatchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_dispatch_duration_seconds",
			Help:    "Duration of rule dispatches in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"action"},
	)

	// TicksTotal counts scheduler evaluation passes.
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_scheduler_ticks_total",
			Help: "Total scheduler evaluation passes.",
		},
	)

	// FireLagSeconds is the delay between a rule's scheduled instant and its dispatch.
	FireLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cadence_fire_lag_seconds",
			Help: "Seconds between scheduled fire time and actual dispatch.",
		},
		[]string{"trigger"},
	)

	// RuleSetWritesTotal counts rule set writes by operation and result.
	RuleSetWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_ruleset_writes_total",
			Help: "Total rule set writes by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// NudgesTotal counts nudges emitted by kind.
	NudgesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_nudges_total",
			Help: "Total nudges emitted by the nudge engine.",
		},
		[]string{"kind"},
	)

	// ActiveScopes is the number of scopes currently being dispatched.
	ActiveScopes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cadence_active_scopes",
			Help: "Number of scopes with a dispatch in progress.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchesTotal,
		DispatchDurationSeconds,
		TicksTotal,
		FireLagSeconds,
		RuleSetWritesTotal,
		NudgesTotal,
		ActiveScopes,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDispatch records one completed dispatch.
func RecordDispatch(action string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	DispatchesTotal.WithLabelValues(action, outcome).Inc()
	DispatchDurationSeconds.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordFireLag records how late a rule fired relative to its schedule.
func RecordFireLag(trigger string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	FireLagSeconds.WithLabelValues(trigger).Set(lag.Seconds())
}

// RecordRuleSetWrite records a rule set write attempt.
func RecordRuleSetWrite(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	RuleSetWritesTotal.WithLabelValues(operation, result).Inc()
}

// RecordNudge records one emitted nudge.
func RecordNudge(kind string) {
	NudgesTotal.WithLabelValues(kind).Inc()
}
