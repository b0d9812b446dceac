package cache

import (
	"sync/atomic"
	"time"
)

// Stats are the engine's monotonic counters. Snapshot derives the hit
// rate and uptime from this (no separate miss rate is reported);
// ResetStats replaces the counters atomically.
type Stats struct {
	hits, misses, writes, deletes, errors int64
	startTime                             time.Time
}

// NewStats returns zeroed counters stamped with the current time.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) incHits()    { atomic.AddInt64(&s.hits, 1) }
func (s *Stats) incMisses()  { atomic.AddInt64(&s.misses, 1) }
func (s *Stats) incWrites()  { atomic.AddInt64(&s.writes, 1) }
func (s *Stats) incDeletes() { atomic.AddInt64(&s.deletes, 1) }
func (s *Stats) incErrors()  { atomic.AddInt64(&s.errors, 1) }

// Snapshot is an immutable view of Stats plus derived fields.
type Snapshot struct {
	Hits, Misses, Writes, Deletes, Errors int64
	StartTime                             time.Time
	Uptime                                time.Duration
	HitRate                               float64
}

// Snapshot returns the current counters and derived rates.
func (s *Stats) Snapshot() Snapshot {
	hits := atomic.LoadInt64(&s.hits)
	misses := atomic.LoadInt64(&s.misses)
	total := hits + misses

	snap := Snapshot{
		Hits:      hits,
		Misses:    misses,
		Writes:    atomic.LoadInt64(&s.writes),
		Deletes:   atomic.LoadInt64(&s.deletes),
		Errors:    atomic.LoadInt64(&s.errors),
		StartTime: s.startTime,
		Uptime:    time.Since(s.startTime),
	}
	if total > 0 {
		snap.HitRate = float64(hits) / float64(total)
	}
	return snap
}

// Reset atomically replaces every counter with zero and restarts the clock.
func (s *Stats) Reset() {
	atomic.StoreInt64(&s.hits, 0)
	atomic.StoreInt64(&s.misses, 0)
	atomic.StoreInt64(&s.writes, 0)
	atomic.StoreInt64(&s.deletes, 0)
	atomic.StoreInt64(&s.errors, 0)
	s.startTime = time.Now()
}
