// Package history provides a fixed-capacity, time-indexed ring buffer of
// scalar samples with windowed aggregate queries.
package history

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// DefaultCapacity holds ten seconds of samples at 20 Hz.
const DefaultCapacity = 200

// Entry is a single timestamped value.
type Entry struct {
	Timestamp time.Time
	Value     float64
}

// Buffer is a circular array of entries in insertion order. The oldest entry
// is evicted when the buffer is full. Window queries only consider entries
// with Timestamp >= since; an empty window falls back to the last pushed
// value, or 0 when the buffer is empty.
//
// Buffer is safe for concurrent use: the sampling worker pushes while the
// status worker queries.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int // index of the next write
	size    int
	scratch []float64
}

// New creates a buffer holding up to capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries: make([]Entry, capacity),
		scratch: make([]float64, 0, capacity),
	}
}

// Push appends a value.
func (b *Buffer) Push(ts time.Time, v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(ts, v)
}

// Seed appends n copies of v, all stamped ts.
func (b *Buffer) Seed(ts time.Time, v float64, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.push(ts, v)
	}
}

func (b *Buffer) push(ts time.Time, v float64) {
	b.entries[b.head] = Entry{Timestamp: ts, Value: v}
	b.head = (b.head + 1) % len(b.entries)
	if b.size < len(b.entries) {
		b.size++
	}
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.entries)
}

// Reset drops all entries.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// Last returns the most recent entry.
func (b *Buffer) Last() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return Entry{}, false
	}
	return b.at(b.size - 1), true
}

// Entries returns a copy of the stored entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, b.size)
	for i := range out {
		out[i] = b.at(i)
	}
	return out
}

// AverageSince returns the mean of the values stamped at or after since.
func (b *Buffer) AverageSince(since time.Time) float64 {
	return b.aggregate(since, func(v []float64) float64 {
		return floats.Sum(v) / float64(len(v))
	})
}

// MinSince returns the smallest value stamped at or after since.
func (b *Buffer) MinSince(since time.Time) float64 {
	return b.aggregate(since, floats.Min)
}

// MaxSince returns the largest value stamped at or after since.
func (b *Buffer) MaxSince(since time.Time) float64 {
	return b.aggregate(since, floats.Max)
}

// CountSince returns the number of entries stamped at or after since.
func (b *Buffer) CountSince(since time.Time) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size - b.windowStart(since)
}

// FirstOlderThan returns the newest value stamped at or before t, which is
// the value the series had at time t. When every entry is newer than t the
// oldest value is returned; an empty buffer returns 0.
func (b *Buffer) FirstOlderThan(t time.Time) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return 0
	}
	i := b.windowStart(t.Add(time.Nanosecond)) - 1
	if i < 0 {
		return b.at(0).Value
	}
	return b.at(i).Value
}

// aggregate applies fn to the window values, falling back to the last value.
func (b *Buffer) aggregate(since time.Time, fn func([]float64) float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return 0
	}
	start := b.windowStart(since)
	if start == b.size {
		return b.at(b.size - 1).Value
	}
	b.scratch = b.scratch[:0]
	for i := start; i < b.size; i++ {
		b.scratch = append(b.scratch, b.at(i).Value)
	}
	return fn(b.scratch)
}

// at returns the i-th entry counted from the oldest.
func (b *Buffer) at(i int) Entry {
	oldest := (b.head - b.size + len(b.entries)) % len(b.entries)
	return b.entries[(oldest+i)%len(b.entries)]
}

// windowStart returns the logical index of the first entry stamped at or
// after since. Timestamps are non-decreasing, so a binary search suffices.
func (b *Buffer) windowStart(since time.Time) int {
	lo, hi := 0, b.size
	for lo < hi {
		mid := (lo + hi) / 2
		if b.at(mid).Timestamp.Before(since) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
