package unicam

import (
	"image"
	"image/color"

	"github.com/chewxy/math32"
)

// Color is an RGBA clear color with components in [0, 1]. Frames are
// RGBA8Unorm, so components are stored as given; use SRGB to clear with
// the encoding of a linear color.
type Color struct {
	R, G, B, A float32
}

// Black is opaque black, the default clear color.
var Black = Color{A: 1}

// RGBA8 returns the color quantized to 8 bits per channel.
func (c Color) RGBA8() [4]uint8 {
	return [4]uint8{quantize(c.R), quantize(c.G), quantize(c.B), quantize(c.A)}
}

// SRGB returns c with R, G and B converted from linear to sRGB encoding.
// Alpha is unchanged.
func (c Color) SRGB() Color {
	return Color{R: srgbEncode(c.R), G: srgbEncode(c.G), B: srgbEncode(c.B), A: c.A}
}

func srgbEncode(v float32) float32 {
	switch {
	case !(v > 0):
		return 0
	case v >= 1:
		return 1
	case v <= 0.0031308:
		return 12.92 * v
	}
	return 1.055*math32.Pow(v, 1/2.4) - 0.055
}

func quantize(f float32) uint8 {
	switch {
	case !(f > 0):
		return 0
	case f >= 1:
		return 255
	}
	return uint8(f*255 + 0.5)
}

// FrameBuffer is the rendered output of one job. Pix holds RGBA8 pixels row
// by row with a stride of 4*Width. Depth holds one normalized depth value
// per pixel (cleared to 1) and is nil unless depth readback was requested.
//
// Ownership of a FrameBuffer passes to the FrameSink it is handed to.
type FrameBuffer struct {
	JobID  int
	Width  int
	Height int
	Pix    []uint8
	Depth  []float32

	// Empty is set when the frame holds only the clear color because the
	// job's camera configuration could not be rendered.
	Empty bool
}

// NewFrameBuffer allocates a frame for the given job.
func NewFrameBuffer(jobID, width, height int, depth bool) *FrameBuffer {
	f := &FrameBuffer{
		JobID:  jobID,
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*4),
	}
	if depth {
		f.Depth = make([]float32, width*height)
	}
	return f
}

// Fill sets every pixel to c and every depth value to 1.
func (f *FrameBuffer) Fill(c Color) {
	px := c.RGBA8()
	for i := 0; i < len(f.Pix); i += 4 {
		copy(f.Pix[i:i+4], px[:])
	}
	for i := range f.Depth {
		f.Depth[i] = 1
	}
}

// RGBAAt returns the pixel at (x, y).
func (f *FrameBuffer) RGBAAt(x, y int) color.RGBA {
	i := (y*f.Width + x) * 4
	return color.RGBA{R: f.Pix[i], G: f.Pix[i+1], B: f.Pix[i+2], A: f.Pix[i+3]}
}

// Image returns an image sharing the frame's pixel memory.
func (f *FrameBuffer) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}
