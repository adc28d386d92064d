// Package buffer holds the most recent flow records in a fixed-capacity ring
// so that a window of recent traffic can be extracted when an alert fires.
package buffer

import (
	"errors"
	"sync"
	"time"

	"github.com/usestring/webreplay/pkg/flowrec"
)

// ErrCapacity is returned by New for a non-positive capacity.
var ErrCapacity = errors.New("buffer capacity must be positive")

// FlowBuffer is a bounded FIFO of flow records. Appending at capacity evicts
// the oldest record. Safe for one writer and any number of readers.
type FlowBuffer struct {
	mu sync.RWMutex

	entries  []flowrec.FlowRecord
	capacity int
	head     int   // Index where the next write goes
	total    int64 // Records ever appended

	now func() time.Time
}

// New creates a buffer holding at most capacity records.
func New(capacity int) (*FlowBuffer, error) {
	if capacity <= 0 {
		return nil, ErrCapacity
	}
	return &FlowBuffer{
		entries:  make([]flowrec.FlowRecord, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}, nil
}

// Append adds rec, evicting the oldest record when full.
func (b *FlowBuffer) Append(rec flowrec.FlowRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, rec)
	} else {
		b.entries[b.head] = rec
	}
	b.head = (b.head + 1) % b.capacity
	b.total++
}

// Snapshot returns the records of the last window, oldest first.
func (b *FlowBuffer) Snapshot(window time.Duration) flowrec.Window {
	w, _ := b.SnapshotAt(b.now(), window)
	return w
}

// SnapshotAt returns the buffered records with a timestamp at or after
// now-window, oldest first. truncated reports that the buffer is full and
// its oldest record is already inside the window, so older records of the
// window may have been evicted.
func (b *FlowBuffer) SnapshotAt(now time.Time, window time.Duration) (w flowrec.Window, truncated bool) {
	cutoff := flowrec.Timestamp(now.Add(-window))

	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.entries)
	w = make(flowrec.Window, 0, n)
	for i := 0; i < n; i++ {
		rec := &b.entries[b.index(i)]
		if rec.Timestamp >= cutoff {
			w = append(w, *rec)
		}
	}

	if n == b.capacity && n > 0 && b.total > int64(n) {
		truncated = b.entries[b.index(0)].Timestamp > cutoff
	}
	return w, truncated
}

// Oldest returns the oldest buffered record.
func (b *FlowBuffer) Oldest() (flowrec.FlowRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.entries) == 0 {
		return flowrec.FlowRecord{}, false
	}
	return b.entries[b.index(0)], true
}

// Len returns the number of buffered records.
func (b *FlowBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Cap returns the fixed capacity.
func (b *FlowBuffer) Cap() int {
	return b.capacity
}

// Evicted returns how many records have been dropped by eviction.
func (b *FlowBuffer) Evicted() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total - int64(len(b.entries))
}

// index maps the i-th oldest record to its slot. Must be called with mu held.
func (b *FlowBuffer) index(i int) int {
	if len(b.entries) < b.capacity {
		return i
	}
	return (b.head + i) % b.capacity
}
