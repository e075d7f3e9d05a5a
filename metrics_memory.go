package mqttclient

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics is an in-memory implementation of Metrics for testing.
type MemoryMetrics struct {
	mu         sync.RWMutex
	counters   map[string]*memoryCounter
	gauges     map[string]*memoryGauge
	histograms map[string]*memoryHistogram
}

// NewMemoryMetrics creates a new in-memory metrics instance.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]*memoryCounter),
		gauges:     make(map[string]*memoryGauge),
		histograms: make(map[string]*memoryHistogram),
	}
}

// labelsKey builds a map key independent of label iteration order.
func labelsKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

// Counter returns a counter metric.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[key]; ok {
		return c
	}
	c := &memoryCounter{}
	m.counters[key] = c
	return c
}

// Gauge returns a gauge metric.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.gauges[key]; ok {
		return g
	}
	g := &memoryGauge{}
	m.gauges[key] = g
	return g
}

// Histogram returns a histogram metric.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.histograms[key]; ok {
		return h
	}
	h := &memoryHistogram{}
	m.histograms[key] = h
	return h
}

// CounterValue returns the value of a counter, or 0 if it was never used.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.counters[labelsKey(name, labels)]; ok {
		return c.Value()
	}
	return 0
}

// GaugeValue returns the value of a gauge, or 0 if it was never used.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if g, ok := m.gauges[labelsKey(name, labels)]; ok {
		return g.Value()
	}
	return 0
}

// HistogramCount returns the observation count of a histogram.
func (m *MemoryMetrics) HistogramCount(name string, labels MetricLabels) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.histograms[labelsKey(name, labels)]; ok {
		return h.Count()
	}
	return 0
}

type memoryCounter struct {
	value atomic.Uint64
}

func (c *memoryCounter) Inc()              { addFloat(&c.value, 1) }
func (c *memoryCounter) Add(delta float64) { addFloat(&c.value, delta) }
func (c *memoryCounter) Value() float64    { return math.Float64frombits(c.value.Load()) }

type memoryGauge struct {
	value atomic.Uint64
}

func (g *memoryGauge) Set(value float64) { g.value.Store(math.Float64bits(value)) }
func (g *memoryGauge) Inc()              { addFloat(&g.value, 1) }
func (g *memoryGauge) Dec()              { addFloat(&g.value, -1) }
func (g *memoryGauge) Add(delta float64) { addFloat(&g.value, delta) }
func (g *memoryGauge) Sub(delta float64) { addFloat(&g.value, -delta) }
func (g *memoryGauge) Value() float64    { return math.Float64frombits(g.value.Load()) }

type memoryHistogram struct {
	count atomic.Uint64
	sum   atomic.Uint64
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	addFloat(&h.sum, value)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *memoryHistogram) Count() uint64 {
	return h.count.Load()
}

func (h *memoryHistogram) Sum() float64 {
	return math.Float64frombits(h.sum.Load())
}

// addFloat atomically adds delta to a float64 stored as bits.
func addFloat(v *atomic.Uint64, delta float64) {
	for {
		old := v.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if v.CompareAndSwap(old, next) {
			return
		}
	}
}
