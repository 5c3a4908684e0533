// metrics.go: Metrics collection for the supervisor
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Metric names emitted by the supervisor.
const (
	MetricPolls            = "supervisor_polls_total"
	MetricPollErrors       = "supervisor_poll_errors_total"
	MetricPollDuration     = "supervisor_poll_duration_seconds"
	MetricLoads            = "supervisor_loads_total"
	MetricLoadFailures     = "supervisor_load_failures_total"
	MetricUnloads          = "supervisor_unloads_total"
	MetricActiveContexts   = "supervisor_active_contexts"
	MetricFaults           = "supervisor_faults_total"
	MetricSuperseded       = "supervisor_superseded_total"
	MetricDeclined         = "supervisor_declined_total"
	MetricCompleted        = "supervisor_completed_total"
	MetricArtifactsMissing = "supervisor_artifacts_missing_total"
	MetricErrorRecords     = "supervisor_error_records_total"
)

// maxSamples bounds the samples kept per histogram series.
const maxSamples = 1000

// MetricsCollector receives the supervisor's counters, gauges and
// histograms. Labels are optional; a nil map is an unlabelled series.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string, value int64)
	SetGauge(name string, labels map[string]string, value float64)
	RecordHistogram(name string, labels map[string]string, value float64)
	GetMetrics() map[string]interface{}
}

type seriesKind int

const (
	kindCounter seriesKind = iota
	kindGauge
	kindHistogram
)

type series struct {
	kind    seriesKind
	count   int64
	value   float64
	samples []float64
}

// DefaultMetricsCollector keeps every series in memory, keyed by the metric
// name and its sorted labels.
type DefaultMetricsCollector struct {
	mu     sync.RWMutex
	series map[string]*series
}

// NewDefaultMetricsCollector creates an empty collector.
func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{series: make(map[string]*series)}
}

func (dmc *DefaultMetricsCollector) lookup(kind seriesKind, name string, labels map[string]string) *series {
	key := buildMetricKey(name, labels)
	s, ok := dmc.series[key]
	if !ok {
		s = &series{kind: kind}
		dmc.series[key] = s
	}
	return s
}

// IncrementCounter implements MetricsCollector
func (dmc *DefaultMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.lookup(kindCounter, name, labels).count += value
}

// SetGauge implements MetricsCollector
func (dmc *DefaultMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.lookup(kindGauge, name, labels).value = value
}

// RecordHistogram implements MetricsCollector. Only the newest maxSamples
// samples of a series are kept.
func (dmc *DefaultMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	s := dmc.lookup(kindHistogram, name, labels)
	s.samples = append(s.samples, value)
	if excess := len(s.samples) - maxSamples; excess > 0 {
		s.samples = append(s.samples[:0], s.samples[excess:]...)
	}
}

// GetMetrics returns a snapshot: int64 for counters, float64 for gauges and
// a copied []float64 for histograms.
func (dmc *DefaultMetricsCollector) GetMetrics() map[string]interface{} {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()

	snapshot := make(map[string]interface{}, len(dmc.series))
	for key, s := range dmc.series {
		switch s.kind {
		case kindCounter:
			snapshot[key] = s.count
		case kindGauge:
			snapshot[key] = s.value
		case kindHistogram:
			snapshot[key] = append([]float64(nil), s.samples...)
		}
	}
	return snapshot
}

// Counter returns the sum of a counter over every label combination.
func (dmc *DefaultMetricsCollector) Counter(name string) int64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	var total int64
	for key, s := range dmc.series {
		if s.kind == kindCounter && (key == name || strings.HasPrefix(key, name+"{")) {
			total += s.count
		}
	}
	return total
}

// Gauge returns the value of an unlabelled gauge.
func (dmc *DefaultMetricsCollector) Gauge(name string) float64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	if s, ok := dmc.series[name]; ok && s.kind == kindGauge {
		return s.value
	}
	return 0
}

// buildMetricKey renders name{k1="v1",k2="v2"} with labels sorted by key.
func buildMetricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	names := make([]string, 0, len(labels))
	for label := range labels {
		names = append(names, label)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, label := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", label, labels[label])
	}
	b.WriteByte('}')
	return b.String()
}
