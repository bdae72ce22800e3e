package metricstest

import (
	"fmt"
	"sync"
	"time"

	"github.com/aiolos/octopus/metrics"
)

// MockMetrics records the measurements in memory, to be checked by the
// tests.
type MockMetrics struct {
	Prefix string

	mu sync.Mutex

	// Metrics gathering
	counters map[string]int64
	gauges   map[string]float64
	measures map[string][]time.Duration
	Now      time.Time
}

var _ metrics.Metrics = (*MockMetrics)(nil)

//
// Public thread safe access to metrics
//

func (m *MockMetrics) WithCounters(f func(counters map[string]int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int64)
	}
	f(m.counters)
}

func (m *MockMetrics) WithMeasures(f func(measures map[string][]time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.measures == nil {
		m.measures = make(map[string][]time.Duration)
	}
	f(m.measures)
}

func (m *MockMetrics) WithGauges(f func(map[string]float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = make(map[string]float64)
	}
	f(m.gauges)
}

// Counter returns the current value of a counter.
func (m *MockMetrics) Counter(key string) (v int64) {
	m.WithCounters(func(counters map[string]int64) {
		v = counters[m.Prefix+key]
	})
	return
}

// Gauge returns the current value of a gauge.
func (m *MockMetrics) Gauge(key string) (v float64, ok bool) {
	m.WithGauges(func(gauges map[string]float64) {
		v, ok = gauges[m.Prefix+key]
	})
	return
}

// Measures returns the number of the measurements of a key.
func (m *MockMetrics) Measures(key string) (n int) {
	m.WithMeasures(func(measures map[string][]time.Duration) {
		n = len(measures[m.Prefix+key])
	})
	return
}

func (m *MockMetrics) since(start time.Time) time.Duration {
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	return now.Sub(start)
}

func (m *MockMetrics) measure(key string, start time.Time) {
	key = m.Prefix + key
	d := m.since(start)
	m.WithMeasures(func(measures map[string][]time.Duration) {
		measures[key] = append(measures[key], d)
	})
}

//
// Interface Metrics
//

func (m *MockMetrics) MeasureSince(key string, start time.Time) {
	m.measure(key, start)
}

func (m *MockMetrics) IncCounter(key string) {
	m.IncCounterBy(key, 1)
}

func (m *MockMetrics) IncCounterBy(key string, value int64) {
	key = m.Prefix + key
	m.WithCounters(func(counters map[string]int64) {
		counters[key] += value
	})
}

func (m *MockMetrics) UpdateGauge(key string, value float64) {
	key = m.Prefix + key
	m.WithGauges(func(gauges map[string]float64) {
		gauges[key] = value
	})
}

func (m *MockMetrics) MeasureFilterRequest(filterName string, start time.Time) {
	m.measure(fmt.Sprintf(metrics.KeyFilterRequest, filterName), start)
}

func (m *MockMetrics) MeasureFilterResponse(filterName string, start time.Time) {
	m.measure(fmt.Sprintf(metrics.KeyFilterResponse, filterName), start)
}

func (m *MockMetrics) MeasureBackend(serviceID string, start time.Time) {
	m.measure(fmt.Sprintf(metrics.KeyBackend, serviceID), start)
}

func (m *MockMetrics) MeasureServe(serviceID, method string, code int, start time.Time) {
	m.measure(fmt.Sprintf(metrics.KeyServe, serviceID, method, code), start)
}

func (m *MockMetrics) IncErrorsBackend(serviceID string) {
	m.IncCounter(fmt.Sprintf(metrics.KeyErrorsBackend, serviceID))
}

func (*MockMetrics) RegisterHandler(string, metrics.Router) {}
