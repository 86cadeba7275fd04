package canvas

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// BytesPerPixel is the number of bytes each pixel occupies in a Raster buffer.
const BytesPerPixel = 3

var (
	ErrOutOfBounds  = errors.New("pixel coordinate out of bounds")
	ErrSizeMismatch = errors.New("raster buffer does not match dimensions")
)

// Color is a 24-bit rgb color.
type Color struct {
	R, G, B uint8
}

var White = Color{R: 255, G: 255, B: 255}

func (c Color) String() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// ParseColor accepts "#RRGGBB" or "RRGGBB" in either case.
func ParseColor(s string) (Color, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "#"))
	if err != nil || len(raw) != BytesPerPixel {
		return Color{}, fmt.Errorf("invalid color %q, expected #RRGGBB", s)
	}
	return Color{R: raw[0], G: raw[1], B: raw[2]}, nil
}

// PixelUpdate is a single coordinate and color mutation.
type PixelUpdate struct {
	X     uint32
	Y     uint32
	Color Color
}

// Raster is a row-major rgb buffer of exactly Width*Height*3 bytes.
type Raster struct {
	Width  int
	Height int
	Pix    []byte
}

// NewRaster returns a white raster of the given dimensions.
func NewRaster(width, height int) *Raster {
	r := &Raster{Width: width, Height: height, Pix: make([]byte, width*height*BytesPerPixel)}
	r.Fill(White)
	return r
}

// RasterFromBytes wraps an existing buffer after checking its length.
func RasterFromBytes(width, height int, pix []byte) (*Raster, error) {
	if width <= 0 || height <= 0 || len(pix) != width*height*BytesPerPixel {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrSizeMismatch, width, height, len(pix))
	}
	return &Raster{Width: width, Height: height, Pix: pix}, nil
}

func (r *Raster) Fill(c Color) {
	for i := 0; i < len(r.Pix); i += BytesPerPixel {
		r.Pix[i], r.Pix[i+1], r.Pix[i+2] = c.R, c.G, c.B
	}
}

// Contains reports whether (x, y) addresses a pixel inside the raster.
func (r *Raster) Contains(x, y uint32) bool {
	return uint64(x) < uint64(r.Width) && uint64(y) < uint64(r.Height)
}

// Index returns the offset of the first byte of pixel (x, y).
func (r *Raster) Index(x, y uint32) int {
	return (int(y)*r.Width + int(x)) * BytesPerPixel
}

func (r *Raster) At(x, y uint32) Color {
	i := r.Index(x, y)
	return Color{R: r.Pix[i], G: r.Pix[i+1], B: r.Pix[i+2]}
}

func (r *Raster) Set(x, y uint32, c Color) {
	i := r.Index(x, y)
	r.Pix[i], r.Pix[i+1], r.Pix[i+2] = c.R, c.G, c.B
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	pix := make([]byte, len(r.Pix))
	copy(pix, r.Pix)
	return &Raster{Width: r.Width, Height: r.Height, Pix: pix}
}
