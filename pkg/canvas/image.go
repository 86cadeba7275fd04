package canvas

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// ContentType is the media type produced by EncodeRaster.
const ContentType = "image/png"

// ToImage converts the raster into an opaque RGBA image.
func (r *Raster) ToImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		src := r.Pix[y*r.Width*BytesPerPixel : (y+1)*r.Width*BytesPerPixel]
		dst := img.Pix[y*img.Stride : y*img.Stride+r.Width*4]
		for x := 0; x < r.Width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 0xff
		}
	}
	return img
}

// FromImage composites img over a white width x height raster. Pixels outside
// the overlapping region keep the default color.
func FromImage(img image.Image, width, height int) *Raster {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)
	xdraw.Copy(dst, image.Point{}, img, img.Bounds(), xdraw.Over, nil)

	r := &Raster{Width: width, Height: height, Pix: make([]byte, width*height*BytesPerPixel)}
	for y := 0; y < height; y++ {
		src := dst.Pix[y*dst.Stride : y*dst.Stride+width*4]
		out := r.Pix[y*width*BytesPerPixel : (y+1)*width*BytesPerPixel]
		for x := 0; x < width; x++ {
			out[x*3] = src[x*4]
			out[x*3+1] = src[x*4+1]
			out[x*3+2] = src[x*4+2]
		}
	}
	return r
}

// EncodeRaster writes r as a PNG.
func EncodeRaster(w io.Writer, r *Raster) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(w, r.ToImage()); err != nil {
		return fmt.Errorf("failed to encode raster: %w", err)
	}
	return nil
}

// EncodeRasterBytes is EncodeRaster into a fresh buffer.
func EncodeRasterBytes(r *Raster) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeRaster(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRaster decodes any registered image format into a width x height raster.
func DecodeRaster(rd io.Reader, width, height int) (*Raster, error) {
	img, _, err := image.Decode(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raster: %w", err)
	}
	return FromImage(img, width, height), nil
}

// DecodeRasterNative decodes an image keeping its own dimensions.
func DecodeRasterNative(rd io.Reader) (*Raster, error) {
	img, _, err := image.Decode(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raster: %w", err)
	}
	b := img.Bounds()
	return FromImage(img, b.Dx(), b.Dy()), nil
}
