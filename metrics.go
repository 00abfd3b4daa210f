package offload

import (
	"sort"
	"sync"
	"time"
)

// MetricsSnapshot represents a point-in-time snapshot of all metrics
type MetricsSnapshot struct {
	// Outgoing calls
	CallsTotal   int `json:"calls_total"`
	CallsSuccess int `json:"calls_success"`
	CallsFailed  int `json:"calls_failed"`

	// Latency of settled calls (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	// Calls sent but not yet answered
	InFlight    int `json:"in_flight"`
	MaxInFlight int `json:"max_in_flight"`

	// Incoming calls served by local responders
	HandledTotal  int `json:"handled_total"`
	HandledFailed int `json:"handled_failed"`

	// Worker process lifecycle
	Spawns   int `json:"spawns"`
	Restarts int `json:"restarts"`

	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe metrics collector shared by an engine and its supervisor
type Metrics struct {
	mu sync.RWMutex

	maxLatencySamples int

	callsTotal    int
	callsSuccess  int
	callsFailed   int
	inFlight      int
	maxInFlight   int
	handledTotal  int
	handledFailed int
	spawns        int
	restarts      int

	// Latency samples (circular buffer via slice)
	latencies []float64
}

// NewMetrics creates a new Metrics instance
func NewMetrics(maxLatencySamples int) *Metrics {
	if maxLatencySamples <= 0 {
		maxLatencySamples = 1000
	}

	return &Metrics{
		maxLatencySamples: maxLatencySamples,
		latencies:         make([]float64, 0, maxLatencySamples),
	}
}

// StartRequest records an outgoing call
func (m *Metrics) StartRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callsTotal++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
}

// EndRequest records the settlement of a call started at startTime.
// Returns latency in milliseconds
func (m *Metrics) EndRequest(startTime time.Time, success bool) float64 {
	latencyMs := float64(time.Since(startTime).Microseconds()) / 1000

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight > 0 {
		m.inFlight--
	}
	if success {
		m.callsSuccess++
	} else {
		m.callsFailed++
	}

	if len(m.latencies) >= m.maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latencyMs)

	return latencyMs
}

// RecordHandled records one incoming call served by a local responder
func (m *Metrics) RecordHandled(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handledTotal++
	if !success {
		m.handledFailed++
	}
}

// RecordSpawn records a worker process launch
func (m *Metrics) RecordSpawn(restart bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.spawns++
	if restart {
		m.restarts++
	}
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		CallsTotal:    m.callsTotal,
		CallsSuccess:  m.callsSuccess,
		CallsFailed:   m.callsFailed,
		InFlight:      m.inFlight,
		MaxInFlight:   m.maxInFlight,
		HandledTotal:  m.handledTotal,
		HandledFailed: m.handledFailed,
		Spawns:        m.spawns,
		Restarts:      m.restarts,
		Timestamp:     time.Now(),
	}

	if len(m.latencies) > 0 {
		latencies := make([]float64, len(m.latencies))
		copy(latencies, m.latencies)
		sort.Float64s(latencies)

		n := len(latencies)
		snapshot.LatencyMinMs = latencies[0]
		snapshot.LatencyMaxMs = latencies[n-1]

		sum := 0.0
		for _, v := range latencies {
			sum += v
		}
		snapshot.LatencyAvgMs = sum / float64(n)

		snapshot.LatencyP50Ms = latencies[n*50/100]
		snapshot.LatencyP95Ms = latencies[n*95/100]
		snapshot.LatencyP99Ms = latencies[n*99/100]
	}

	return snapshot
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callsTotal = 0
	m.callsSuccess = 0
	m.callsFailed = 0
	m.inFlight = 0
	m.maxInFlight = 0
	m.handledTotal = 0
	m.handledFailed = 0
	m.spawns = 0
	m.restarts = 0
	m.latencies = make([]float64, 0, m.maxLatencySamples)
}
