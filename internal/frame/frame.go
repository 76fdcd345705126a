// Package frame turns raw camera payloads into fixed-geometry pixel buffers.
//
// Decode never copies: the returned Frame borrows the payload's memory, so the
// payload must not be reused by its owner while the frame is alive. Payloads
// coming off the sensor stream are freshly allocated per message, which makes
// that hold for the whole pipeline.
package frame

import (
	"errors"
	"fmt"
)

// BytesPerPixel is fixed by PixelFormat.
const BytesPerPixel = 4

// MaxDimension bounds either side of a frame. It keeps width*height*4 well
// inside int and the viewer's u32 header fields.
const MaxDimension = 16384

type PixelFormat string

// BGRA8 is the camera's native layout: one byte each of blue, green, red and
// alpha, rows top to bottom.
const BGRA8 PixelFormat = "bgra8"

var ErrMalformedFrame = errors.New("malformed frame")

type MalformedFrameError struct {
	Width  int
	Height int
	Want   int
	Got    int
}

func (e *MalformedFrameError) Error() string {
	if !ValidGeometry(e.Width, e.Height) {
		return fmt.Sprintf("malformed frame: invalid geometry %dx%d", e.Width, e.Height)
	}
	return fmt.Sprintf("malformed frame: %dx%d needs %d bytes, payload has %d", e.Width, e.Height, e.Want, e.Got)
}

func (e *MalformedFrameError) Unwrap() error {
	return ErrMalformedFrame
}

type Frame struct {
	Seq       uint64
	Timestamp float64
	Width     int
	Height    int
	Format    PixelFormat
	Pixels    []byte
}

// Decode interprets the first width*height*4 bytes of raw as a BGRA8 image.
// len(Pixels) and cap(Pixels) are both exactly that size, so appending to a
// frame can never write into the rest of the payload.
func Decode(raw []byte, width, height int) (Frame, error) {
	if !ValidGeometry(width, height) {
		return Frame{}, &MalformedFrameError{Width: width, Height: height, Got: len(raw)}
	}
	want := width * height * BytesPerPixel
	if len(raw) < want {
		return Frame{}, &MalformedFrameError{Width: width, Height: height, Want: want, Got: len(raw)}
	}
	return Frame{
		Width:  width,
		Height: height,
		Format: BGRA8,
		Pixels: raw[:want:want],
	}, nil
}

// ValidGeometry reports whether width x height is a decodable frame size.
func ValidGeometry(width, height int) bool {
	return width >= 1 && height >= 1 && width <= MaxDimension && height <= MaxDimension
}

func (f Frame) Stride() int {
	return f.Width * BytesPerPixel
}

// Pixel returns the channels at (x, y) in B, G, R, A order.
func (f Frame) Pixel(x, y int) (b, g, r, a uint8, ok bool) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, 0, 0, 0, false
	}
	i := y*f.Stride() + x*BytesPerPixel
	p := f.Pixels[i : i+BytesPerPixel]
	return p[0], p[1], p[2], p[3], true
}
