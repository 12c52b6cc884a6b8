package shard

import (
	"sync"
	"time"
)

// statsWindow bounds the rolling sample count per endpoint
const statsWindow = 256

// latencyScale normalizes latency into [0, 1] for load scoring;
// anything at or above this counts as fully loaded.
const latencyScale = 100 * time.Millisecond

// loadStats tracks rolling latency and error rate for one endpoint
type loadStats struct {
	mu        sync.Mutex
	latencies [statsWindow]time.Duration
	errors    [statsWindow]bool
	next      int
	count     int
}

func (s *loadStats) record(latency time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies[s.next] = latency
	s.errors[s.next] = failed
	s.next = (s.next + 1) % statsWindow
	if s.count < statsWindow {
		s.count++
	}
}

// load returns 0.7×normalized-avg-latency + 0.3×error-rate
func (s *loadStats) load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}

	var total time.Duration
	failures := 0
	for i := 0; i < s.count; i++ {
		total += s.latencies[i]
		if s.errors[i] {
			failures++
		}
	}

	avgLatency := float64(total) / float64(s.count) / float64(latencyScale)
	if avgLatency > 1 {
		avgLatency = 1
	}
	errorRate := float64(failures) / float64(s.count)

	return 0.7*avgLatency + 0.3*errorRate
}

func (s *loadStats) errorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < s.count; i++ {
		if s.errors[i] {
			failures++
		}
	}
	return float64(failures) / float64(s.count)
}
