// Package raster emulates the fixed-function stages of a GPU render pipeline
// on the CPU: homogeneous clipping, the perspective divide, the viewport
// transform, triangle setup with perspective-correct interpolation, the
// depth test and texture sampling.
//
// Vertex shading is done by the caller; the rasterizer consumes clip-space
// positions exactly as a GPU would receive them from a vertex shader.
package raster

// Target is a color plus depth render target. Color is RGBA8 with a stride
// of 4*Width; Depth holds one value per pixel.
type Target struct {
	Width  int
	Height int
	Color  []uint8
	Depth  []float32
}

// NewTarget allocates a target.
func NewTarget(width, height int) *Target {
	t := &Target{}
	t.Resize(width, height)
	return t
}

// Resize reallocates the buffers if the size changed.
func (t *Target) Resize(width, height int) {
	if t.Width == width && t.Height == height && t.Color != nil {
		return
	}
	t.Width = width
	t.Height = height
	t.Color = make([]uint8, width*height*4)
	t.Depth = make([]float32, width*height)
}

// Clear fills the color buffer with c and the depth buffer with depth.
func (t *Target) Clear(c [4]uint8, depth float32) {
	for i := 0; i < len(t.Color); i += 4 {
		t.Color[i] = c[0]
		t.Color[i+1] = c[1]
		t.Color[i+2] = c[2]
		t.Color[i+3] = c[3]
	}
	for i := range t.Depth {
		t.Depth[i] = depth
	}
}
