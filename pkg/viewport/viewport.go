// Package viewport maps between screen coordinates and canvas pixels.
//
// The transform is screen = (canvas + Offset) * Zoom + Center, where Center is
// the middle of the view. Offset is in canvas units.
package viewport

import (
	"math"
)

// Zoom steps used by the input bindings.
const (
	KeyStep          = 1.2
	WheelStep        = 1.05
	PinchSensitivity = 0.003
)

type Point struct {
	X, Y float64
}

type Options struct {
	MinZoom float64
	MaxZoom float64
}

func (o Options) withDefaults() Options {
	if o.MinZoom <= 0 {
		o.MinZoom = 0.05
	}
	if o.MaxZoom < o.MinZoom {
		o.MaxZoom = math.Max(64, o.MinZoom)
	}
	return o
}

type Mapper struct {
	canvasW, canvasH int
	viewW, viewH     int
	center           Point
	offset           Point
	zoom             float64
	opts             Options
}

// New returns a mapper with the canvas centered in a viewW x viewH view at zoom 1.
func New(canvasW, canvasH, viewW, viewH int, opts Options) *Mapper {
	m := &Mapper{
		canvasW: canvasW,
		canvasH: canvasH,
		zoom:    1,
		opts:    opts.withDefaults(),
	}
	m.Resize(viewW, viewH)
	m.offset = Point{X: -float64(canvasW) / 2, Y: -float64(canvasH) / 2}
	m.zoom = m.clamp(m.zoom)
	return m
}

func (m *Mapper) clamp(z float64) float64 {
	if math.IsNaN(z) || z <= 0 {
		return m.opts.MinZoom
	}
	return math.Min(m.opts.MaxZoom, math.Max(m.opts.MinZoom, z))
}

// Resize keeps the canvas point at the view center fixed.
func (m *Mapper) Resize(viewW, viewH int) {
	m.viewW, m.viewH = viewW, viewH
	m.center = Point{X: float64(viewW) / 2, Y: float64(viewH) / 2}
}

// SetCanvasSize changes the canvas bounds. When they differ from the current
// ones the view is refit, since the old offset means nothing for a new canvas.
func (m *Mapper) SetCanvasSize(w, h int) {
	if w == m.canvasW && h == m.canvasH {
		return
	}
	m.canvasW, m.canvasH = w, h
	m.Fit()
}

func (m *Mapper) CanvasSize() (int, int) { return m.canvasW, m.canvasH }

// Fit centers the canvas and picks the largest zoom that shows all of it.
func (m *Mapper) Fit() {
	m.offset = Point{X: -float64(m.canvasW) / 2, Y: -float64(m.canvasH) / 2}
	if m.canvasW <= 0 || m.canvasH <= 0 || m.viewW <= 0 || m.viewH <= 0 {
		return
	}
	m.zoom = m.clamp(math.Min(float64(m.viewW)/float64(m.canvasW), float64(m.viewH)/float64(m.canvasH)))
}

func (m *Mapper) Zoom() float64 { return m.zoom }
func (m *Mapper) Offset() Point { return m.offset }
func (m *Mapper) Center() Point { return m.center }

// SetZoom sets the zoom factor around the view center.
func (m *Mapper) SetZoom(z float64) {
	m.zoomAround(m.center, m.clamp(z))
}

// SetOffset positions the canvas directly.
func (m *Mapper) SetOffset(p Point) {
	m.offset = p
}

// Project maps a canvas position to the screen.
func (m *Mapper) Project(c Point) Point {
	return Point{
		X: (c.X+m.offset.X)*m.zoom + m.center.X,
		Y: (c.Y+m.offset.Y)*m.zoom + m.center.Y,
	}
}

// Unproject maps a screen position to a fractional canvas position.
func (m *Mapper) Unproject(s Point) Point {
	return Point{
		X: (s.X-m.center.X)/m.zoom - m.offset.X,
		Y: (s.Y-m.center.Y)/m.zoom - m.offset.Y,
	}
}

// Pick returns the pixel under a screen position, or false if it is outside the canvas.
func (m *Mapper) Pick(s Point) (x, y uint32, ok bool) {
	c := m.Unproject(s)
	fx, fy := math.Floor(c.X), math.Floor(c.Y)
	if fx < 0 || fy < 0 || fx >= float64(m.canvasW) || fy >= float64(m.canvasH) {
		return 0, 0, false
	}
	return uint32(fx), uint32(fy), true
}

// Pan moves the canvas by a screen-space delta.
func (m *Mapper) Pan(dx, dy float64) {
	m.offset.X += dx / m.zoom
	m.offset.Y += dy / m.zoom
}

// ZoomAt multiplies the zoom by factor keeping the canvas point under anchor fixed.
func (m *Mapper) ZoomAt(factor float64, anchor Point) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return
	}
	m.zoomAround(anchor, m.clamp(m.zoom*factor))
}

func (m *Mapper) zoomAround(anchor Point, z float64) {
	c := m.Unproject(anchor)
	m.zoom = z
	m.offset = Point{
		X: (anchor.X-m.center.X)/m.zoom - c.X,
		Y: (anchor.Y-m.center.Y)/m.zoom - c.Y,
	}
}

// ZoomIn and ZoomOut step around the view center, as keyboard and button zoom do.
func (m *Mapper) ZoomIn()  { m.ZoomAt(KeyStep, m.center) }
func (m *Mapper) ZoomOut() { m.ZoomAt(1/KeyStep, m.center) }

// Wheel zooms in for a non-positive deltaY and out otherwise.
func (m *Mapper) Wheel(deltaY float64, at Point) {
	if deltaY <= 0 {
		m.ZoomAt(WheelStep, at)
	} else {
		m.ZoomAt(1/WheelStep, at)
	}
}

// Pinch applies a change in two-finger distance. Spreading the fingers zooms in.
func (m *Mapper) Pinch(prevDistance, distance float64, at Point) {
	delta := prevDistance - distance
	if delta == 0 {
		return
	}
	factor := 1 + math.Abs(delta)*PinchSensitivity
	if delta < 0 {
		m.ZoomAt(factor, at)
	} else {
		m.ZoomAt(1/factor, at)
	}
}
