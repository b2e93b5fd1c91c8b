package partuploader

import (
	"sync"
	"time"
)

// Stats tracks how long finished part uploads took, for debug reporting.
type Stats struct {
	mu            sync.Mutex
	sum           time.Duration
	bytes         int64
	finishedParts int64
	slowest       time.Duration
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Update records one finished part.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.bytes += size
	s.finishedParts++
	if d > s.slowest {
		s.slowest = d
	}
}

// Average returns the average upload duration of finished parts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedParts == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedParts)
}

// Slowest ...
func (s *Stats) Slowest() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slowest
}

// FinishedCount returns the number of finished part uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedParts
}

// BytesPerSecond is the mean per-part transfer rate, 0 before any part finished.
func (s *Stats) BytesPerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sum <= 0 {
		return 0
	}
	return float64(s.bytes) / s.sum.Seconds()
}
