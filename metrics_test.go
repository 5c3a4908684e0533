// metrics_test.go: tests for the in-memory metrics collector
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMetricKey(t *testing.T) {
	assert.Equal(t, "supervisor_loads_total", buildMetricKey("supervisor_loads_total", nil))
	assert.Equal(t,
		`supervisor_faults_total{phase="run",plugin="alpha"}`,
		buildMetricKey("supervisor_faults_total", map[string]string{"plugin": "alpha", "phase": "run"}))
}

func TestDefaultMetricsCollector_CounterSumsLabels(t *testing.T) {
	m := NewDefaultMetricsCollector()
	m.IncrementCounter("supervisor_faults_total", map[string]string{"phase": "run"}, 2)
	m.IncrementCounter("supervisor_faults_total", map[string]string{"phase": "stop"}, 1)
	m.IncrementCounter("supervisor_faults_total", nil, 1)
	m.IncrementCounter("supervisor_faults_total_other", nil, 100)

	assert.Equal(t, int64(4), m.Counter("supervisor_faults_total"))
	assert.Equal(t, int64(100), m.Counter("supervisor_faults_total_other"))
	assert.Zero(t, m.Counter("supervisor_unknown_total"))
}

func TestDefaultMetricsCollector_Gauges(t *testing.T) {
	m := NewDefaultMetricsCollector()
	m.SetGauge("supervisor_active_contexts", nil, 3)
	m.SetGauge("supervisor_active_contexts", nil, 1)
	assert.Equal(t, float64(1), m.Gauge("supervisor_active_contexts"))
}

func TestDefaultMetricsCollector_HistogramIsBounded(t *testing.T) {
	m := NewDefaultMetricsCollector()
	for i := 0; i < 1500; i++ {
		m.RecordHistogram("supervisor_poll_duration_seconds", nil, float64(i))
	}

	values, ok := m.GetMetrics()["supervisor_poll_duration_seconds"].([]float64)
	require.True(t, ok)
	require.Len(t, values, 1000)
	assert.Equal(t, float64(500), values[0])
	assert.Equal(t, float64(1499), values[999])
}

func TestDefaultMetricsCollector_GetMetricsIsSnapshot(t *testing.T) {
	m := NewDefaultMetricsCollector()
	m.IncrementCounter("supervisor_loads_total", nil, 1)
	m.RecordHistogram("h", nil, 1)

	snapshot := m.GetMetrics()
	snapshot["h"].([]float64)[0] = 99
	m.IncrementCounter("supervisor_loads_total", nil, 1)

	assert.Equal(t, int64(1), snapshot["supervisor_loads_total"])
	assert.Equal(t, []float64{1}, m.GetMetrics()["h"])
}

func TestDefaultMetricsCollector_Concurrent(t *testing.T) {
	m := NewDefaultMetricsCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncrementCounter("supervisor_polls_total", nil, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), m.Counter("supervisor_polls_total"))
}
