package upos

import (
	"sync"
	"time"
)

// PartStats is a point-in-time view of the parts uploaded by a Scheduler.
type PartStats struct {
	Parts int64
	Bytes int64
	// PartTime is the summed duration of the uploaded parts. With parallel uploads
	// it exceeds the wall clock time of the run.
	PartTime time.Duration
}

// AveragePartTime is PartTime spread over the uploaded parts.
func (p PartStats) AveragePartTime() time.Duration {
	if p.Parts == 0 {
		return 0
	}
	return p.PartTime / time.Duration(p.Parts)
}

// Throughput is Bytes per second of elapsed wall clock time.
func (p PartStats) Throughput(elapsed time.Duration) float64 {
	return Throughput(p.Bytes, elapsed)
}

// Stats accumulates PartStats. Safe for concurrent use.
type Stats struct {
	mu      sync.Mutex
	current PartStats
}

func NewStats() *Stats {
	return &Stats{}
}

// Record adds one uploaded part of size bytes that took d.
func (s *Stats) Record(d time.Duration, size int) {
	s.mu.Lock()
	s.current.Parts++
	s.current.Bytes += int64(size)
	s.current.PartTime += d
	s.mu.Unlock()
}

func (s *Stats) Snapshot() PartStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Throughput returns bytes per second, or 0 when no time has elapsed.
func Throughput(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
