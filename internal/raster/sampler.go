package raster

import "math"

// Texture is an RGBA8 image with fixed sampler state.
type Texture struct {
	Width  int
	Height int
	Stride int
	Pix    []uint8

	Linear bool // bilinear filtering instead of nearest
	Repeat bool // wrap coordinates instead of clamping
}

// Sample returns the filtered color at texture coordinate (u, v), where
// (0, 0) is the top-left corner of the image and (1, 1) the bottom-right.
func (t *Texture) Sample(u, v float32) [4]uint8 {
	if u != u {
		u = 0
	}
	if v != v {
		v = 0
	}
	x := float64(u)*float64(t.Width) - 0.5
	y := float64(v)*float64(t.Height) - 0.5
	if !t.Linear {
		return t.texel(int(math.Floor(x+0.5)), int(math.Floor(y+0.5)))
	}

	x0 := math.Floor(x)
	y0 := math.Floor(y)
	fx := x - x0
	fy := y - y0
	ix, iy := int(x0), int(y0)

	c00 := t.texel(ix, iy)
	c10 := t.texel(ix+1, iy)
	c01 := t.texel(ix, iy+1)
	c11 := t.texel(ix+1, iy+1)

	var out [4]uint8
	for i := range out {
		top := float64(c00[i])*(1-fx) + float64(c10[i])*fx
		bottom := float64(c01[i])*(1-fx) + float64(c11[i])*fx
		out[i] = uint8(top*(1-fy) + bottom*fy + 0.5)
	}
	return out
}

func (t *Texture) texel(x, y int) [4]uint8 {
	x = t.address(x, t.Width)
	y = t.address(y, t.Height)
	i := y*t.Stride + x*4
	return [4]uint8{t.Pix[i], t.Pix[i+1], t.Pix[i+2], t.Pix[i+3]}
}

func (t *Texture) address(i, n int) int {
	if t.Repeat {
		i %= n
		if i < 0 {
			i += n
		}
		return i
	}
	return min(max(i, 0), n-1)
}
