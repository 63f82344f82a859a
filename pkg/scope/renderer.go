package scope

import (
	"image/color"
	"strconv"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"github.com/itohio/grindscale/pkg/grind"
)

var (
	gridColor   = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	labelColor  = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	targetColor = color.RGBA{R: 0, G: 100, B: 200, A: 255}
)

// traceColor follows the grind state.
func traceColor(st grind.State) color.Color {
	switch st {
	case grind.StateGrinding:
		return color.RGBA{R: 255, G: 165, B: 0, A: 255}
	case grind.StateFinished:
		return color.RGBA{R: 80, G: 200, B: 120, A: 255}
	case grind.StateFailed:
		return color.RGBA{R: 220, G: 60, B: 60, A: 255}
	default:
		return color.RGBA{R: 100, G: 200, B: 255, A: 255}
	}
}

// scopeRenderer renders the scope widget.
type scopeRenderer struct {
	scope   *ScopeWidget
	bg      *canvas.Rectangle
	objects []fyne.CanvasObject

	lastSize fyne.Size
}

// MinSize returns the minimum size of the widget.
func (r *scopeRenderer) MinSize() fyne.Size {
	return fyne.NewSize(320, 200)
}

// Layout arranges the widget components.
func (r *scopeRenderer) Layout(size fyne.Size) {
	r.bg.Resize(size)
	if r.lastSize != size {
		r.lastSize = size
		r.scope.BaseWidget.Refresh()
	}
}

// Refresh rebuilds every line from the current trace.
func (r *scopeRenderer) Refresh() {
	points, b, target, marked, state := r.scope.view()

	size := r.scope.Size()
	if size.Width == 0 || size.Height == 0 {
		return
	}
	r.objects = append(r.objects[:0], r.bg)

	const (
		marginLeft   = float32(50)
		marginRight  = float32(15)
		marginTop    = float32(15)
		marginBottom = float32(30)
	)
	p := plot{
		x: marginLeft, y: marginTop,
		w: size.Width - marginLeft - marginRight,
		h: size.Height - marginTop - marginBottom,
		b: b,
	}

	r.drawGrid(p)
	if marked {
		y := p.yOf(target)
		r.line(fyne.NewPos(p.x, y), fyne.NewPos(p.x+p.w, y), targetColor, 1)
	}
	r.drawTrace(p, points, traceColor(state))
}

func (r *scopeRenderer) drawGrid(p plot) {
	const hLines, vLines = 6, 6
	for i := range hLines + 1 {
		y := p.y + float32(i)*p.h/hLines
		r.line(fyne.NewPos(p.x, y), fyne.NewPos(p.x+p.w, y), gridColor, 1)

		value := p.b.YMax - float64(i)*(p.b.YMax-p.b.YMin)/hLines
		text := canvas.NewText(formatGrams(value), labelColor)
		text.TextSize = 10
		text.Alignment = fyne.TextAlignTrailing
		text.Move(fyne.NewPos(p.x-5, y-6))
		r.objects = append(r.objects, text)
	}

	span := p.b.XMax.Sub(p.b.XMin)
	for i := range vLines + 1 {
		x := p.x + float32(i)*p.w/vLines
		r.line(fyne.NewPos(x, p.y), fyne.NewPos(x, p.y+p.h), gridColor, 1)

		ago := span - span*time.Duration(i)/vLines
		text := canvas.NewText(formatAgo(ago), labelColor)
		text.TextSize = 10
		text.Alignment = fyne.TextAlignCenter
		text.Move(fyne.NewPos(x-15, p.y+p.h+5))
		r.objects = append(r.objects, text)
	}
}

func (r *scopeRenderer) drawTrace(p plot, points []Point, c color.Color) {
	for i := 1; i < len(points); i++ {
		r.line(p.pos(points[i-1]), p.pos(points[i]), c, 2)
	}
}

func (r *scopeRenderer) line(from, to fyne.Position, c color.Color, width float32) {
	l := canvas.NewLine(c)
	l.Position1 = from
	l.Position2 = to
	l.StrokeWidth = width
	r.objects = append(r.objects, l)
}

// Objects returns all canvas objects for rendering.
func (r *scopeRenderer) Objects() []fyne.CanvasObject {
	return r.objects
}

// Destroy cleans up resources.
func (r *scopeRenderer) Destroy() {}

// plot maps data units onto the drawing area.
type plot struct {
	x, y, w, h float32
	b          Bounds
}

func (p plot) yOf(grams float64) float32 {
	return p.y + p.h - float32((grams-p.b.YMin)/(p.b.YMax-p.b.YMin))*p.h
}

func (p plot) pos(pt Point) fyne.Position {
	span := p.b.XMax.Sub(p.b.XMin).Seconds()
	x := p.x
	if span > 0 {
		x += float32(pt.Timestamp.Sub(p.b.XMin).Seconds()/span) * p.w
	}
	return fyne.NewPos(x, p.yOf(pt.Grams))
}

func formatGrams(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "g"
}

func formatAgo(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	return "-" + strconv.FormatFloat(d.Seconds(), 'f', 0, 64) + "s"
}
