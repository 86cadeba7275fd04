package viewport

import (
	"math"

	"github.com/astromechza/pixel-place/pkg/canvas"
)

type Button int

const (
	ButtonPrimary Button = iota
	ButtonMiddle
	ButtonSecondary
)

// PointerHandler is the input capability a platform feeds. Mouse and touch
// front ends both translate their native events into these calls.
type PointerHandler interface {
	OnPointerDown(p Point, button Button, modifier bool)
	OnPointerMove(p Point)
	OnPointerUp(p Point)
	OnWheel(deltaY float64, at Point)
	OnPinch(distance float64, center Point)
}

// Painter is what gestures edit. The client mirror implements it.
type Painter interface {
	RequestSet(x, y uint32, c canvas.Color) (bool, error)
	ColorAt(x, y uint32) (canvas.Color, bool)
}

// tapSlop is how far a primary press may travel and still count as a tap.
const tapSlop = 4.0

// Gestures turns pointer events into pans, zooms, paints and color picks.
// Primary drag pans, and a primary tap paints when TapToPaint is set. Middle
// click, or secondary click with the modifier, picks a color. Secondary click
// paints.
type Gestures struct {
	Mapper     *Mapper
	Painter    Painter
	Brush      canvas.Color
	TapToPaint bool

	// OnError receives failures from paint requests, such as sending while disconnected.
	OnError func(error)
	// OnRedraw is called after the view transform changes.
	OnRedraw func()

	dragging  bool
	moved     float64
	last      Point
	pinching  bool
	lastPinch float64
}

var _ PointerHandler = (*Gestures)(nil)

func (g *Gestures) redraw() {
	if g.OnRedraw != nil {
		g.OnRedraw()
	}
}

func (g *Gestures) OnPointerDown(p Point, button Button, modifier bool) {
	switch button {
	case ButtonPrimary:
		g.dragging = true
		g.moved = 0
		g.last = p
	case ButtonMiddle:
		g.PickColor(p)
	case ButtonSecondary:
		if modifier {
			g.PickColor(p)
		} else {
			g.Paint(p)
		}
	}
}

func (g *Gestures) OnPointerMove(p Point) {
	if g.dragging && !g.pinching {
		dx, dy := p.X-g.last.X, p.Y-g.last.Y
		g.moved += math.Hypot(dx, dy)
		g.Mapper.Pan(dx, dy)
		g.redraw()
	}
	g.last = p
}

func (g *Gestures) OnPointerUp(p Point) {
	if g.dragging && !g.pinching && g.TapToPaint && g.moved <= tapSlop {
		g.Paint(p)
	}
	g.dragging = false
	g.pinching = false
	g.lastPinch = 0
}

func (g *Gestures) OnWheel(deltaY float64, at Point) {
	g.Mapper.Wheel(deltaY, at)
	g.redraw()
}

// OnPinch is called with the current two-finger distance. The first call of a
// gesture only records the distance.
func (g *Gestures) OnPinch(distance float64, center Point) {
	if g.pinching {
		g.Mapper.Pinch(g.lastPinch, distance, center)
		g.redraw()
	}
	g.pinching = true
	g.lastPinch = distance
}

// Paint requests the brush color at the pixel under p. It reports whether a
// request was sent.
func (g *Gestures) Paint(p Point) bool {
	x, y, ok := g.Mapper.Pick(p)
	if !ok || g.Painter == nil {
		return false
	}
	sent, err := g.Painter.RequestSet(x, y, g.Brush)
	if err != nil && g.OnError != nil {
		g.OnError(err)
	}
	return sent
}

// PickColor sets the brush to the color under p.
func (g *Gestures) PickColor(p Point) bool {
	x, y, ok := g.Mapper.Pick(p)
	if !ok || g.Painter == nil {
		return false
	}
	c, ok := g.Painter.ColorAt(x, y)
	if ok {
		g.Brush = c
	}
	return ok
}
