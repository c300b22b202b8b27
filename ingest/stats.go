package ingest

import (
	"sync"
	"time"
)

// NewCounters constructs zeroed counters whose uptime starts now
func NewCounters() *Counters {
	return &Counters{
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Counters tracks how many events were received, accepted and dropped as duplicates.
// received and the matching bucket always move together under one lock,
// so no snapshot can observe one without the other
type Counters struct {
	mu sync.Mutex

	received         uint64
	uniqueProcessed  uint64
	duplicateDropped uint64

	startedAt time.Time
	now       func() time.Time
}

func (c *Counters) incUnique() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.received++
	c.uniqueProcessed++
}

func (c *Counters) incDuplicate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.received++
	c.duplicateDropped++
}

// Snapshot returns a point-in-time, internally consistent copy of the counters
func (c *Counters) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Received:         c.received,
		UniqueProcessed:  c.uniqueProcessed,
		DuplicateDropped: c.duplicateDropped,
		Uptime:           c.now().Sub(c.startedAt),
	}
}

// Stats is a snapshot of ingestion counters
type Stats struct {
	Received         uint64
	UniqueProcessed  uint64
	DuplicateDropped uint64
	Uptime           time.Duration
}

// Throughput returns unique events processed per second of uptime
func (s Stats) Throughput() float64 {
	secs := s.Uptime.Seconds()
	if secs <= 0 {
		return 0
	}

	return float64(s.UniqueProcessed) / secs
}

// DuplicateRate returns the share of received events that were duplicates
func (s Stats) DuplicateRate() float64 {
	if s.Received == 0 {
		return 0
	}

	return float64(s.DuplicateDropped) / float64(s.Received)
}
