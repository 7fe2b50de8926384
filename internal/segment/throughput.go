package segment

import (
	"errors"
	"sync"
	"time"
)

// ErrThrottleDetected is a deliberate early-abort signal, not a generic
// fetch failure. Callers should restart with a fresh session instead of
// retrying the same one.
var ErrThrottleDetected = errors.New("origin throttling detected, download aborted")

// Monitor samples cumulative throughput roughly every SampleEvery
// completions or SampleInterval of wall time. A session running longer
// than MinElapsed at under MinRateMBps is judged throttled: a fresh
// session is cheaper than waiting out a half-speed one.
type Monitor struct {
	SampleEvery    int
	SampleInterval time.Duration
	MinElapsed     time.Duration
	MinRateMBps    float64

	mu          sync.Mutex
	start       time.Time
	lastSample  time.Time
	bytes       int64
	completions int
}

func NewMonitor() *Monitor {
	return &Monitor{
		SampleEvery:    25,
		SampleInterval: 2 * time.Second,
		MinElapsed:     30 * time.Second,
		MinRateMBps:    0.5,
	}
}

func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = time.Now()
	m.lastSample = m.start
}

// Note records one completed segment and returns true when the session
// should be aborted as throttled.
func (m *Monitor) Note(bytes int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		m.start = time.Now()
		m.lastSample = m.start
	}
	m.bytes += bytes
	m.completions++
	now := time.Now()
	if m.completions%m.SampleEvery != 0 && now.Sub(m.lastSample) < m.SampleInterval {
		return false
	}
	m.lastSample = now
	elapsed := now.Sub(m.start)
	if elapsed <= m.MinElapsed {
		return false
	}
	rate := float64(m.bytes) / elapsed.Seconds() / 1024 / 1024
	return rate < m.MinRateMBps
}

// RateMBps reports cumulative average throughput since Start.
func (m *Monitor) RateMBps() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		return 0
	}
	elapsed := time.Since(m.start).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.bytes) / elapsed / 1024 / 1024
}
