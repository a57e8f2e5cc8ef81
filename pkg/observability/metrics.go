package observability

import (
	"sync"
	"time"
)

// MetricsClient records counters, gauges, histograms and timings. The server
// wires the in-memory implementation below; exporters can be swapped in
// behind the same interface.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordDuration(name string, d time.Duration)
	StartTimer(name string, labels map[string]string) func()
	Close() error
}

// InMemoryMetrics aggregates metrics in process memory. The counter snapshot
// is exposed on the job stats endpoint.
type InMemoryMetrics struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (m *InMemoryMetrics) IncrementCounter(name string, value float64) {
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

func (m *InMemoryMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.IncrementCounter(metricKey(name, labels), value)
}

func (m *InMemoryMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	m.gauges[metricKey(name, labels)] = value
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	// Histograms degrade to a count and sum pair in the in-memory client.
	m.mu.Lock()
	m.counters[metricKey(name+"_count", labels)]++
	m.counters[metricKey(name+"_sum", labels)] += value
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordDuration(name string, d time.Duration) {
	m.RecordHistogram(name+"_seconds", d.Seconds(), nil)
}

func (m *InMemoryMetrics) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordHistogram(name+"_seconds", time.Since(start).Seconds(), labels)
	}
}

func (m *InMemoryMetrics) Close() error { return nil }

// Counters returns a copy of the counter map.
func (m *InMemoryMetrics) Counters() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// Gauges returns a copy of the gauge map.
func (m *InMemoryMetrics) Gauges() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	key := name
	for _, lk := range sortedLabelKeys(labels) {
		key += "," + lk + "=" + labels[lk]
	}
	return key
}

func sortedLabelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
