// Package wire implements the fixed-size binary pixel update frame.
//
// A frame is 11 bytes: x and y as big-endian uint32 followed by one byte each
// of red, green and blue. A message carries zero or more frames back to back.
// A message whose length is not a multiple of FrameSize is rejected whole; no
// frame from it is returned.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/astromechza/pixel-place/pkg/canvas"
)

const FrameSize = 11

var (
	ErrShortFrame    = errors.New("frame is not exactly 11 bytes")
	ErrTrailingBytes = errors.New("message length is not a multiple of 11")
)

// PutFrame writes u into b, which must be at least FrameSize long.
func PutFrame(b []byte, u canvas.PixelUpdate) {
	_ = b[FrameSize-1]
	binary.BigEndian.PutUint32(b[0:4], u.X)
	binary.BigEndian.PutUint32(b[4:8], u.Y)
	b[8], b[9], b[10] = u.Color.R, u.Color.G, u.Color.B
}

func EncodeFrame(u canvas.PixelUpdate) []byte {
	b := make([]byte, FrameSize)
	PutFrame(b, u)
	return b
}

// AppendFrame appends the encoding of u to b.
func AppendFrame(b []byte, u canvas.PixelUpdate) []byte {
	b = binary.BigEndian.AppendUint32(b, u.X)
	b = binary.BigEndian.AppendUint32(b, u.Y)
	return append(b, u.Color.R, u.Color.G, u.Color.B)
}

func readFrame(b []byte) canvas.PixelUpdate {
	return canvas.PixelUpdate{
		X:     binary.BigEndian.Uint32(b[0:4]),
		Y:     binary.BigEndian.Uint32(b[4:8]),
		Color: canvas.Color{R: b[8], G: b[9], B: b[10]},
	}
}

// DecodeFrame decodes a single-update message. Client submissions use this.
func DecodeFrame(b []byte) (canvas.PixelUpdate, error) {
	if len(b) != FrameSize {
		return canvas.PixelUpdate{}, fmt.Errorf("%w: got %d", ErrShortFrame, len(b))
	}
	return readFrame(b), nil
}

// DecodeBatch decodes every frame in a broadcast message in order.
func DecodeBatch(b []byte) ([]canvas.PixelUpdate, error) {
	if len(b)%FrameSize != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrTrailingBytes, len(b))
	}
	out := make([]canvas.PixelUpdate, 0, len(b)/FrameSize)
	for off := 0; off < len(b); off += FrameSize {
		out = append(out, readFrame(b[off:off+FrameSize]))
	}
	return out, nil
}

// EachFrame calls fn for every frame in b without allocating. It validates the
// length before calling fn, so fn is never called for a rejected message.
func EachFrame(b []byte, fn func(canvas.PixelUpdate)) error {
	if len(b)%FrameSize != 0 {
		return fmt.Errorf("%w: got %d bytes", ErrTrailingBytes, len(b))
	}
	for off := 0; off < len(b); off += FrameSize {
		fn(readFrame(b[off : off+FrameSize]))
	}
	return nil
}
