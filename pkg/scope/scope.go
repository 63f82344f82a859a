// Package scope draws the recent platform weight as an oscilloscope style
// trace with the grind target as a marker.
package scope

import (
	"image/color"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/scale"
)

// minSpan keeps an idle platform from zooming into noise.
const minSpan = 5.0

var _ scale.Renderer = (*ScopeWidget)(nil)

// ScopeWidget is a fyne widget plotting the display weight over time.
type ScopeWidget struct {
	widget.BaseWidget

	cfg   config.DisplayConfig
	trace *Trace

	mu      sync.Mutex
	display []Point // reused downsampling buffer, guarded by mu
	state   grind.State
}

// New creates a new ScopeWidget instance.
func New(cfg *config.Config) *ScopeWidget {
	s := &ScopeWidget{
		cfg:     cfg.Display,
		trace:   NewTrace(cfg.Display.TraceWindow),
		display: make([]Point, 0, cfg.Display.TracePoints),
	}
	s.ExtendBaseWidget(s)
	return s
}

// Render records snap and schedules a redraw on the fyne thread.
func (s *ScopeWidget) Render(snap scale.Snapshot) {
	s.trace.Add(Point{Timestamp: snap.Timestamp, Grams: snap.DisplayWeight})
	if snap.State == grind.StateEmpty || snap.Calibrating {
		s.trace.SetTarget(-1)
	} else {
		s.trace.SetTarget(snap.Target)
	}

	s.mu.Lock()
	s.state = snap.State
	s.mu.Unlock()

	fyne.Do(s.Refresh)
}

// view returns what the renderer draws, downsampled to TracePoints.
func (s *ScopeWidget) view() ([]Point, Bounds, float64, bool, grind.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.display = s.trace.Points(s.display, s.cfg.TracePoints)
	target, marked := s.trace.Target()
	bounds := AutoScale(s.display, s.cfg.TraceWindow, target, marked, minSpan)
	return s.display, bounds, target, marked, s.state
}

// CreateRenderer creates the widget renderer.
func (s *ScopeWidget) CreateRenderer() fyne.WidgetRenderer {
	bg := canvas.NewRectangle(color.RGBA{R: 20, G: 20, B: 20, A: 255})
	return &scopeRenderer{
		scope:   s,
		bg:      bg,
		objects: []fyne.CanvasObject{bg},
	}
}
