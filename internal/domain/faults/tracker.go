package faults

import (
	"sync"
	"time"
)

// DefaultHistoryLimit is how many recent fault records the tracker retains.
const DefaultHistoryLimit = 100

// TrackedRecord is a fault record with the time it was observed.
type TrackedRecord struct {
	Record
	ObservedAt time.Time
}

// CountKey aggregates fault counts by kind and severity.
type CountKey struct {
	Kind     Kind
	Severity Severity
}

// Tracker keeps a rolling bounded history of fault records plus aggregate
// counts, queryable after a run for diagnostics. The pipeline is
// single-threaded but the tracker locks anyway so it can be shared with a
// diagnostics reader.
type Tracker struct {
	mu      sync.Mutex
	limit   int
	history []TrackedRecord
	counts  map[CountKey]int
	now     func() time.Time
}

// NewTracker creates a tracker retaining up to limit records.
// A non-positive limit falls back to DefaultHistoryLimit.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Tracker{
		limit:  limit,
		counts: make(map[CountKey]int),
		now:    time.Now,
	}
}

// Observe records a fault. The oldest entry is evicted once the history
// exceeds the limit.
func (t *Tracker) Observe(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, TrackedRecord{Record: rec, ObservedAt: t.now()})
	if len(t.history) > t.limit {
		t.history = t.history[len(t.history)-t.limit:]
	}
	t.counts[CountKey{Kind: rec.Kind, Severity: rec.Severity}]++
}

// Snapshot contains the tracker state at a point in time.
type Snapshot struct {
	Recent []TrackedRecord
	Counts map[CountKey]int
	Total  int
}

// Snapshot returns a copy of the current history and counts.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := make([]TrackedRecord, len(t.history))
	copy(recent, t.history)

	counts := make(map[CountKey]int, len(t.counts))
	total := 0
	for k, v := range t.counts {
		counts[k] = v
		total += v
	}

	return Snapshot{Recent: recent, Counts: counts, Total: total}
}

// Count returns the number of observed faults for a kind and severity.
func (t *Tracker) Count(kind Kind, severity Severity) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[CountKey{Kind: kind, Severity: severity}]
}
