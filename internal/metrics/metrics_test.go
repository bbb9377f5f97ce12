/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordDispatch(t *testing.T) {
	RecordDispatch("notify", nil, 20*time.Millisecond)
	RecordDispatch("notify", errors.New("boom"), 5*time.Millisecond)

	if v := getCounterValue(DispatchesTotal, "notify", "success"); v < 1 {
		t.Errorf("DispatchesTotal success = %f, want >= 1", v)
	}
	if v := getCounterValue(DispatchesTotal, "notify", "failure"); v < 1 {
		t.Errorf("DispatchesTotal failure = %f, want >= 1", v)
	}
	if n := getHistogramCount(DispatchDurationSeconds, "notify"); n < 2 {
		t.Errorf("DispatchDurationSeconds sample count = %d, want >= 2", n)
	}
}

func TestRecordFireLag(t *testing.T) {
	RecordFireLag("cron", 12*time.Second)
	if v := getGaugeVecValue(FireLagSeconds, "cron"); v != 12 {
		t.Errorf("FireLagSeconds = %f, want 12", v)
	}

	RecordFireLag("cron", -3*time.Second)
	if v := getGaugeVecValue(FireLagSeconds, "cron"); v != 0 {
		t.Errorf("negative lag should clamp to 0, got %f", v)
	}
}

func TestRecordRuleSetWrite(t *testing.T) {
	RecordRuleSetWrite("put", nil)
	RecordRuleSetWrite("put", errors.New("stale"))

	if v := getCounterValue(RuleSetWritesTotal, "put", "ok"); v < 1 {
		t.Errorf("RuleSetWritesTotal ok = %f, want >= 1", v)
	}
	if v := getCounterValue(RuleSetWritesTotal, "put", "rejected"); v < 1 {
		t.Errorf("RuleSetWritesTotal rejected = %f, want >= 1", v)
	}
	if v := getCounterValue(RuleSetWritesTotal, "reset", "rejected"); v != 0 {
		t.Errorf("label isolation broken: reset/rejected = %f", v)
	}
}

func TestActiveScopes(t *testing.T) {
	ActiveScopes.Set(0)
	ActiveScopes.Inc()
	ActiveScopes.Inc()
	if v := getGaugeValue(ActiveScopes); v != 2 {
		t.Errorf("ActiveScopes = %f, want 2", v)
	}
	ActiveScopes.Dec()
	if v := getGaugeValue(ActiveScopes); v != 1 {
		t.Errorf("ActiveScopes after Dec = %f, want 1", v)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordNudge("reply_pending")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cadence_nudges_total") {
		t.Fatal("expected cadence_nudges_total in exposition")
	}
}
