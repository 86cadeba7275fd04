// Package render draws a mirrored canvas into an in-memory frame. It is the
// headless stand-in for a GPU renderer: the texture is sampled nearest
// neighbour through the viewport transform, and gg draws the chrome on top.
package render

import (
	"fmt"
	"image"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/astromechza/pixel-place/pkg/canvas"
	"github.com/astromechza/pixel-place/pkg/viewport"
)

const statusFontSize = 12

var background = canvas.Color{R: 0x33, G: 0x33, B: 0x33}

// Software implements mirror.Renderer. All methods are safe for concurrent use.
type Software struct {
	mu      sync.Mutex
	mapper  *viewport.Mapper
	frame   *image.RGBA
	texture *canvas.Raster
	status  string
	face    font.Face
	frames  int
}

func NewSoftware(viewW, viewH int, mapper *viewport.Mapper) (*Software, error) {
	if viewW <= 0 || viewH <= 0 {
		return nil, fmt.Errorf("view dimensions must be positive, got %dx%d", viewW, viewH)
	}
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	return &Software{
		mapper: mapper,
		frame:  image.NewRGBA(image.Rect(0, 0, viewW, viewH)),
		face:   truetype.NewFace(f, &truetype.Options{Size: statusFontSize}),
	}, nil
}

// SetTexture replaces the displayed canvas. A texture of a new size refits the view.
func (s *Software) SetTexture(r *canvas.Raster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texture = r
	s.mapper.SetCanvasSize(r.Width, r.Height)
}

func (s *Software) SetPixel(x, y uint32, c canvas.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.texture != nil && s.texture.Contains(x, y) {
		s.texture.Set(x, y, c)
	}
}

// SetStatus sets the overlay text. An empty string hides the overlay.
func (s *Software) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *Software) Pan(dx, dy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapper.Pan(dx, dy)
}

func (s *Software) SetZoom(z float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapper.SetZoom(z)
}

// Update runs fn against the viewport while no frame is being drawn.
func (s *Software) Update(fn func(m *viewport.Mapper)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.mapper)
}

func (s *Software) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Software) Draw() {
	s.mu.Lock()
	defer s.mu.Unlock()

	dc := gg.NewContextForRGBA(s.frame)
	dc.SetRGB255(int(background.R), int(background.G), int(background.B))
	dc.Clear()

	if s.texture != nil {
		s.sample()
		tl := s.mapper.Project(viewport.Point{})
		br := s.mapper.Project(viewport.Point{X: float64(s.texture.Width), Y: float64(s.texture.Height)})
		dc.SetRGBA(0, 0, 0, 0.6)
		dc.SetLineWidth(1)
		dc.DrawRectangle(tl.X-0.5, tl.Y-0.5, br.X-tl.X+1, br.Y-tl.Y+1)
		dc.Stroke()
	}

	if s.status != "" {
		dc.SetFontFace(s.face)
		w, h := dc.MeasureString(s.status)
		bh := h + 8
		y := float64(s.frame.Rect.Dy()) - bh
		dc.SetRGBA(0, 0, 0, 0.7)
		dc.DrawRectangle(0, y, w+12, bh)
		dc.Fill()
		dc.SetRGB(1, 1, 1)
		dc.DrawStringAnchored(s.status, 6, y+bh/2, 0, 0.35)
	}
	s.frames++
}

// sample copies the visible texture pixels into the frame.
func (s *Software) sample() {
	t := s.texture
	fw, fh := s.frame.Rect.Dx(), s.frame.Rect.Dy()
	for sy := 0; sy < fh; sy++ {
		row := s.frame.Pix[sy*s.frame.Stride:]
		for sx := 0; sx < fw; sx++ {
			c := s.mapper.Unproject(viewport.Point{X: float64(sx) + 0.5, Y: float64(sy) + 0.5})
			cx, cy := math.Floor(c.X), math.Floor(c.Y)
			if cx < 0 || cy < 0 || cx >= float64(t.Width) || cy >= float64(t.Height) {
				continue
			}
			src := t.Index(uint32(cx), uint32(cy))
			dst := row[sx*4 : sx*4+4]
			dst[0], dst[1], dst[2], dst[3] = t.Pix[src], t.Pix[src+1], t.Pix[src+2], 0xff
		}
	}
}

// Frame returns a copy of the last drawn frame.
func (s *Software) Frame() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := image.NewRGBA(s.frame.Rect)
	copy(out.Pix, s.frame.Pix)
	return out
}

func (s *Software) EncodePNG(w io.Writer) error {
	return gg.NewContextForRGBA(s.Frame()).EncodePNG(w)
}

// SavePNG writes the last frame to path, replacing it atomically.
func (s *Software) SavePNG(path string) error {
	tf, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tf.Name())
	if err := s.EncodePNG(tf); err != nil {
		_ = tf.Close()
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := tf.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tf.Name(), path); err != nil {
		return fmt.Errorf("failed to move frame into place: %w", err)
	}
	return nil
}

func (s *Software) RenderToTemp() (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.png", time.Now().UnixNano(), rand.Int()))
	if err := s.SavePNG(tf); err != nil {
		return "", err
	}
	return tf, nil
}
