package weft

import (
	"sort"
	"sync"
	"time"
)

// MetricsSnapshot represents a point-in-time snapshot of all metrics
type MetricsSnapshot struct {
	// Calls
	CallsTotal   int `json:"calls_total"`
	CallsSuccess int `json:"calls_success"`
	CallsFailed  int `json:"calls_failed"`

	// Call latency (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	// Publish deliveries
	DeliveriesTotal  int `json:"deliveries_total"`
	DeliveriesFailed int `json:"deliveries_failed"`

	// Heartbeat
	HeartbeatRttAvgMs  float64 `json:"heartbeat_rtt_avg_ms"`
	HeartbeatRttLastMs float64 `json:"heartbeat_rtt_last_ms"`
	HeartbeatMisses    int     `json:"heartbeat_misses"`

	// Time window
	WindowSeconds float64 `json:"window_seconds"`

	// Timestamp
	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe collector for call, delivery, and heartbeat
// outcomes
type Metrics struct {
	mu sync.RWMutex

	// Configuration
	maxLatencySamples int
	windowSeconds     float64

	// Counters
	callsTotal       int
	callsSuccess     int
	callsFailed      int
	deliveriesTotal  int
	deliveriesFailed int

	// Latency samples (circular buffer via slice)
	latencies []float64

	// Heartbeat RTT samples
	heartbeatRtts   []float64
	heartbeatMisses int
}

// NewMetrics creates a new Metrics instance
func NewMetrics(maxLatencySamples int, windowSeconds float64) *Metrics {
	if maxLatencySamples <= 0 {
		maxLatencySamples = 1000
	}
	if windowSeconds <= 0 {
		windowSeconds = 60.0
	}

	return &Metrics{
		maxLatencySamples: maxLatencySamples,
		windowSeconds:     windowSeconds,
		latencies:         make([]float64, 0, maxLatencySamples),
		heartbeatRtts:     make([]float64, 0, 100),
	}
}

// StartCall starts tracking a call.
// Returns the start timestamp for a later EndCall.
func (m *Metrics) StartCall() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callsTotal++
	return time.Now()
}

// EndCall ends tracking a call.
// Returns latency in milliseconds.
func (m *Metrics) EndCall(startTime time.Time, success bool) float64 {
	latencyMs := float64(time.Since(startTime).Microseconds()) / 1000.0

	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.callsSuccess++
	} else {
		m.callsFailed++
	}

	// Store latency sample (circular buffer)
	if len(m.latencies) >= m.maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latencyMs)

	return latencyMs
}

// RecordDelivery records one publish delivery outcome
func (m *Metrics) RecordDelivery(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveriesTotal++
	if !success {
		m.deliveriesFailed++
	}
}

// RecordHeartbeatRtt records a heartbeat round-trip time
func (m *Metrics) RecordHeartbeatRtt(rttMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keep last 100 samples
	if len(m.heartbeatRtts) >= 100 {
		m.heartbeatRtts = m.heartbeatRtts[1:]
	}
	m.heartbeatRtts = append(m.heartbeatRtts, rttMs)
}

// RecordHeartbeatMiss records a missed heartbeat
func (m *Metrics) RecordHeartbeatMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heartbeatMisses++
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		CallsTotal:       m.callsTotal,
		CallsSuccess:     m.callsSuccess,
		CallsFailed:      m.callsFailed,
		DeliveriesTotal:  m.deliveriesTotal,
		DeliveriesFailed: m.deliveriesFailed,
		HeartbeatMisses:  m.heartbeatMisses,
		WindowSeconds:    m.windowSeconds,
		Timestamp:        time.Now(),
	}

	// Calculate latency percentiles
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

	// Calculate heartbeat RTT average
	if len(m.heartbeatRtts) > 0 {
		sum := 0.0
		for _, v := range m.heartbeatRtts {
			sum += v
		}
		snapshot.HeartbeatRttAvgMs = sum / float64(len(m.heartbeatRtts))
		snapshot.HeartbeatRttLastMs = m.heartbeatRtts[len(m.heartbeatRtts)-1]
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
	m.deliveriesTotal = 0
	m.deliveriesFailed = 0
	m.latencies = make([]float64, 0, m.maxLatencySamples)
	m.heartbeatRtts = make([]float64, 0, 100)
	m.heartbeatMisses = 0
}
