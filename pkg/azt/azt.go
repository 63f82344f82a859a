// Package azt implements auto-zero tracking: small drift of an empty, stable
// platform is folded back into each channel's raw offset.
package azt

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/history"
	"github.com/itohio/grindscale/pkg/monitoring"
)

// Channel is the part of a load cell channel the tracker adjusts.
type Channel interface {
	Name() string
	Offset() int64
	SetOffset(offset int64)
	Divisor() float64
}

// Window is the per-channel weight history the tracker evaluates.
type Window interface {
	AverageSince(since time.Time) float64
	CountSince(since time.Time) int
	Last() (history.Entry, bool)
}

// Correction describes one applied offset adjustment.
type Correction struct {
	Channel int
	Average float64 // grams removed
	Counts  int64   // raw counts added to the offset
	Offset  int64   // new offset
}

// Tracker keeps one stability counter per channel. Update must be called from
// the sampling worker; the enable flag and cooldown deadline may be changed
// from any goroutine.
type Tracker struct {
	cfg      config.AZTConfig
	channels []Channel
	windows  []Window

	enabled      atomic.Bool
	blockedUntil atomic.Int64 // unix nanoseconds

	mu       sync.Mutex
	counters []int
	lastFix  []time.Time
	applied  int
}

// New creates a tracker for the given channels and their histories.
func New(cfg config.AZTConfig, channels []Channel, windows []Window, enabled bool) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		channels: channels,
		windows:  windows,
		counters: make([]int, len(channels)),
		lastFix:  make([]time.Time, len(channels)),
	}
	t.enabled.Store(enabled)
	return t
}

// Enabled reports whether tracking is on.
func (t *Tracker) Enabled() bool { return t.enabled.Load() }

// SetEnabled turns tracking on or off.
func (t *Tracker) SetEnabled(on bool) { t.enabled.Store(on) }

// Toggle flips tracking and returns the new state.
func (t *Tracker) Toggle() bool {
	for {
		old := t.enabled.Load()
		if t.enabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// BlockUntil suspends tracking until deadline. A later deadline never gets
// shortened by an earlier one.
func (t *Tracker) BlockUntil(deadline time.Time) {
	next := deadline.UnixNano()
	for {
		cur := t.blockedUntil.Load()
		if cur >= next || t.blockedUntil.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Cooldown suspends tracking for the configured cooldown after now.
func (t *Tracker) Cooldown(now time.Time) {
	t.BlockUntil(now.Add(t.cfg.Cooldown))
}

// BlockedUntil returns the cooldown deadline.
func (t *Tracker) BlockedUntil() time.Time {
	return time.Unix(0, t.blockedUntil.Load())
}

// Blocked reports whether now is before the cooldown deadline.
func (t *Tracker) Blocked(now time.Time) bool {
	return now.UnixNano() < t.blockedUntil.Load()
}

// Counter returns the stability counter of channel i.
func (t *Tracker) Counter(i int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[i]
}

// Applied returns the number of corrections since start.
func (t *Tracker) Applied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applied
}

// Update evaluates one sampling cycle. idle is true when no grind is in
// progress and filtered is the fused, filtered platform weight.
func (t *Tracker) Update(now time.Time, idle bool, filtered float64) []Correction {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !idle || !t.Enabled() || t.Blocked(now) || math.Abs(filtered) > t.cfg.Band {
		t.resetLocked()
		return nil
	}

	var out []Correction
	for i, ch := range t.channels {
		w := t.windows[i]

		// Only samples taken after the previous correction describe the
		// current offset.
		since := now.Add(-t.cfg.Window)
		if fix := t.lastFix[i].Add(time.Nanosecond); fix.After(since) {
			since = fix
		}
		if w.CountSince(since) == 0 {
			continue
		}

		avg := w.AverageSince(since)
		last, _ := w.Last()
		if math.Abs(avg) > t.cfg.Band || math.Abs(last.Value) > t.cfg.Band {
			t.counters[i] = 0
			continue
		}

		t.counters[i]++
		if t.counters[i] < t.cfg.Required {
			continue
		}

		t.counters[i] = 0
		counts := int64(avg * ch.Divisor())
		if counts == 0 {
			continue
		}
		offset := ch.Offset() + counts
		ch.SetOffset(offset)
		t.lastFix[i] = now
		t.applied++

		monitoring.Logf("azt: %s drift %.3fg, offset %+d -> %d", ch.Name(), avg, counts, offset)
		out = append(out, Correction{Channel: i, Average: avg, Counts: counts, Offset: offset})
	}
	return out
}

func (t *Tracker) resetLocked() {
	for i := range t.counters {
		t.counters[i] = 0
	}
}
