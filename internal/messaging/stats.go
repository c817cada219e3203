package messaging

import (
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/envelope"
)

const responseTimeRingSize = 100

// Stats is C2's statistics record: counts by priority, a response-time
// ring of the last 100 samples, and timeout/retry totals (spec §4.2).
// Grounded on the teacher's observability/job_metrics.go
// atomic-counters-plus-Snapshot shape, generalized from one flat counter
// set to per-priority buckets and a ring buffer instead of a running max.
type Stats struct {
	mu               sync.Mutex
	countsByPriority map[envelope.Priority]int
	responseTimes    []time.Duration
	ringPos          int
	timeouts         int
	retries          int
}

func newStats() *Stats {
	return &Stats{countsByPriority: make(map[envelope.Priority]int)}
}

func (s *Stats) recordSend(p envelope.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countsByPriority[p]++
}

func (s *Stats) recordResponseTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responseTimes) < responseTimeRingSize {
		s.responseTimes = append(s.responseTimes, d)
	} else {
		s.responseTimes[s.ringPos] = d
		s.ringPos = (s.ringPos + 1) % responseTimeRingSize
	}
}

func (s *Stats) recordTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts++
}

func (s *Stats) recordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// Snapshot is a point-in-time, deep-copied view of Stats.
type Snapshot struct {
	CountsByPriority map[envelope.Priority]int
	AverageResponse  time.Duration
	Timeouts         int
	Retries          int
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[envelope.Priority]int, len(s.countsByPriority))
	for k, v := range s.countsByPriority {
		counts[k] = v
	}

	var total time.Duration
	for _, d := range s.responseTimes {
		total += d
	}
	var avg time.Duration
	if n := len(s.responseTimes); n > 0 {
		avg = total / time.Duration(n)
	}

	return Snapshot{
		CountsByPriority: counts,
		AverageResponse:  avg,
		Timeouts:         s.timeouts,
		Retries:          s.retries,
	}
}
