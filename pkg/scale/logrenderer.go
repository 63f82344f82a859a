package scale

import (
	"sync"
	"time"

	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/monitoring"
)

var _ Renderer = (*LogRenderer)(nil)

// LogRenderer is the display of a headless scale. It logs every change of
// state, failure or message, and the weight at most once per interval while
// grinding.
type LogRenderer struct {
	logf     func(format string, v ...interface{})
	interval time.Duration

	mu      sync.Mutex
	primed  bool
	last    Snapshot
	lastLog time.Time
}

// NewLogRenderer creates a renderer writing through logf, or monitoring.Logf
// when logf is nil.
func NewLogRenderer(logf func(format string, v ...interface{}), interval time.Duration) *LogRenderer {
	return &LogRenderer{logf: logf, interval: interval}
}

func (r *LogRenderer) printf(format string, v ...interface{}) {
	if r.logf != nil {
		r.logf(format, v...)
		return
	}
	monitoring.Logf(format, v...)
}

// Render implements Renderer.
func (r *LogRenderer) Render(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.last
	r.last = snap
	if !r.primed {
		r.primed = true
		r.lastLog = snap.Timestamp
		r.printf("scale: %s, %.2fg, target %.2fg, shot offset %.2fg", snap.State, snap.Weight, snap.Target, snap.ShotOffset)
		return
	}

	if snap.Message != prev.Message && snap.Message != "" {
		r.printf("scale: %s", snap.Message)
	}
	if snap.Calibrating != prev.Calibrating {
		r.printf("scale: calibration %s", onOff(snap.Calibrating))
	}
	if snap.Ready != prev.Ready {
		r.printf("scale: sensors %s", readyText(snap.Ready))
	}

	if snap.State != prev.State {
		r.lastLog = snap.Timestamp
		switch snap.State {
		case grind.StateGrinding:
			r.printf("scale: grinding to %.2fg with cup %.2fg", snap.Target, snap.Cup)
		case grind.StateFinished:
			r.printf("scale: finished %.2fg in %s", snap.DisplayWeight, snap.Elapsed.Round(10*time.Millisecond))
		case grind.StateFailed:
			r.printf("scale: grind failed: %s", snap.Failure)
		default:
			r.printf("scale: %s, %.2fg", snap.State, snap.Weight)
		}
		return
	}

	if snap.State == grind.StateGrinding && snap.Timestamp.Sub(r.lastLog) >= r.interval {
		r.lastLog = snap.Timestamp
		r.printf("scale: %.2fg / %.2fg after %s", snap.DisplayWeight, snap.Target, snap.Elapsed.Round(10*time.Millisecond))
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func readyText(ready bool) string {
	if ready {
		return "ready"
	}
	return "not ready"
}
