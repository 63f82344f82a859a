package scope

import (
	"sync"
	"time"
)

// Point is one weight reading on the trace.
type Point struct {
	Timestamp time.Time
	Grams     float64
}

// Trace keeps the display weights of the last window and the markers drawn
// over them. It is safe for concurrent use.
type Trace struct {
	mu     sync.RWMutex
	window time.Duration
	points []Point
	target float64
	marked bool // whether target is drawn
}

// NewTrace creates a trace spanning window.
func NewTrace(window time.Duration) *Trace {
	return &Trace{
		window: window,
		points: make([]Point, 0, 256),
	}
}

// Add appends a point and drops the ones older than the window.
func (t *Trace) Add(p Point) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Clock jumps backwards restart the trace.
	if n := len(t.points); n > 0 && p.Timestamp.Before(t.points[n-1].Timestamp) {
		t.points = t.points[:0]
	}
	t.points = append(t.points, p)

	cutoff := p.Timestamp.Add(-t.window)
	drop := 0
	for drop < len(t.points) && t.points[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		t.points = append(t.points[:0], t.points[drop:]...)
	}
}

// SetTarget draws a horizontal marker at grams. A negative value hides it.
func (t *Trace) SetTarget(grams float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = grams
	t.marked = grams >= 0
}

// Target returns the marker and whether it is shown.
func (t *Trace) Target() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.target, t.marked
}

// Len returns the number of points held.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.points)
}

// Points copies at most maxPoints points into dst, decimating evenly when
// there are more. dst is reused when it has enough capacity.
func (t *Trace) Points(dst []Point, maxPoints int) []Point {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Downsample(dst, t.points, maxPoints)
}

// Downsample reduces points to at most maxPoints by decimation. The last
// point is always kept so the trace ends at the current reading.
func Downsample(dst []Point, points []Point, maxPoints int) []Point {
	if maxPoints <= 0 || len(points) <= maxPoints {
		if cap(dst) < len(points) {
			dst = make([]Point, len(points))
		}
		dst = dst[:len(points)]
		copy(dst, points)
		return dst
	}

	if cap(dst) < maxPoints {
		dst = make([]Point, 0, maxPoints)
	}
	dst = dst[:0]

	step := float64(len(points)) / float64(maxPoints)
	for i := range maxPoints - 1 {
		dst = append(dst, points[int(float64(i)*step)])
	}
	return append(dst, points[len(points)-1])
}

// Bounds is the plotted area in data units.
type Bounds struct {
	XMin, XMax time.Time
	YMin, YMax float64
}

// AutoScale returns bounds covering points and the target marker, with a 10%
// vertical margin and at least window of time and minSpan grams.
func AutoScale(points []Point, window time.Duration, target float64, withTarget bool, minSpan float64) Bounds {
	if len(points) == 0 {
		now := time.Now()
		return Bounds{XMin: now.Add(-window), XMax: now, YMin: 0, YMax: minSpan}
	}

	b := Bounds{
		XMin: points[0].Timestamp,
		XMax: points[len(points)-1].Timestamp,
		YMin: points[0].Grams,
		YMax: points[0].Grams,
	}
	for _, p := range points {
		b.YMin = min(b.YMin, p.Grams)
		b.YMax = max(b.YMax, p.Grams)
	}
	if withTarget {
		b.YMin = min(b.YMin, target)
		b.YMax = max(b.YMax, target)
	}

	if span := b.YMax - b.YMin; span < minSpan {
		mid := (b.YMax + b.YMin) / 2
		b.YMin, b.YMax = mid-minSpan/2, mid+minSpan/2
	}
	margin := (b.YMax - b.YMin) * 0.1
	b.YMin -= margin
	b.YMax += margin

	if b.XMax.Sub(b.XMin) < window {
		b.XMin = b.XMax.Add(-window)
	}
	return b
}
