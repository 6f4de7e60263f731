package sched

import (
	"math"
	"sync"
)

// welford tracks a running mean/stddev with Welford's algorithm. Adapted
// from the teacher's internal/sched.Pool latency tracker (there used for
// per-pool wait/run-time stats); here it backs the scheduler's wait-time and
// service-burst distributions, which internal/obsmetrics exposes as
// Prometheus histograms via Scheduler.WaitStats / Scheduler.ServiceStats.
type welford struct {
	mu   sync.Mutex
	n    int64
	mean float64
	m2   float64
}

func (s *welford) add(x float64) {
	s.mu.Lock()
	s.n++
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	delta2 := x - s.mean
	s.m2 += delta * delta2
	s.mu.Unlock()
}

// Stats is a point-in-time snapshot of a welford accumulator.
type Stats struct {
	Count int64
	Mean  float64
	Std   float64
}

func (s *welford) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Count: s.n, Mean: s.mean}
	if s.n > 1 {
		variance := s.m2 / float64(s.n-1)
		if variance > 0 {
			st.Std = math.Sqrt(variance)
		}
	}
	return st
}
