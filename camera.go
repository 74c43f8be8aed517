package unicam

import (
	"errors"

	"github.com/chewxy/math32"
)

// DepthScale is the factor k in the clip-space depth proxy dist*norm*k.
// After the homogeneous divide the depth value is dist*k, so distances up to
// 1/k (100 km) fit inside the [0, 1] depth range.
const DepthScale float32 = 1e-5

// ErrOutsideFOV is returned by Unproject for pixels that no ray of the
// unified model reaches.
var ErrOutsideFOV = errors.New("unicam: pixel outside the camera field of view")

// Intrinsics are the unified camera model parameters in pixels.
//
// Xi = 0 is a pinhole camera. Values towards 1 model increasingly strong
// fisheye and catadioptric mappings; any finite Xi is accepted.
//
// Width and Height are the nominal image size. They are optional; a zero
// value means the size comes from the render job.
type Intrinsics struct {
	Fx, Fy float32
	Cx, Cy float32
	Xi     float32

	Width, Height int
}

// Validate checks that the focal lengths and principal point are positive
// and every parameter is finite.
func (in Intrinsics) Validate() error {
	if !finite(in.Fx, in.Fy, in.Cx, in.Cy, in.Xi) {
		return configErrorf("intrinsics contain NaN or Inf")
	}
	if in.Fx <= 0 || in.Fy <= 0 {
		return configErrorf("focal length must be positive (fx=%g, fy=%g)", in.Fx, in.Fy)
	}
	if in.Cx <= 0 || in.Cy <= 0 {
		return configErrorf("principal point must be positive (cx=%g, cy=%g)", in.Cx, in.Cy)
	}
	if in.Width < 0 || in.Height < 0 {
		return configErrorf("negative image size %dx%d", in.Width, in.Height)
	}
	return nil
}

// Project maps a camera-space homogeneous point to clip space so that the
// rasterizer's divide by w yields image coordinates:
//
//	dist = |xyz| / w
//	norm = -z + xi*dist*w
//	clip = (fx*x + cx*norm, fy*y + cy*norm, dist*norm*k, norm)
//
// For w = 1, the only case the vertex stage sees, norm is -z + xi*dist. The
// w factor keeps clip linear in (x, y, z, w), so scaling a point by a
// positive factor does not move its image.
//
// The depth component is an ordering proxy, not a physical depth. A closer
// variant would be (-z*xi + dist)*norm*k; the simpler form is kept.
//
// Points with norm <= 0 are returned as is. They are not representable in
// front of the image plane and the clipper removes them (w > 0).
func (in Intrinsics) Project(p Vec4) Vec4 {
	dist := math32.Sqrt(p.X*p.X+p.Y*p.Y+p.Z*p.Z) / p.W
	norm := -p.Z + in.Xi*dist*p.W
	return Vec4{
		X: in.Fx*p.X + in.Cx*norm,
		Y: in.Fy*p.Y + in.Cy*norm,
		Z: dist * norm * DepthScale,
		W: norm,
	}
}

// ProjectPixel returns the image coordinates of a camera-space point.
// ok is false when the point has norm <= 0.
func (in Intrinsics) ProjectPixel(p Vec3) (px Vec2, ok bool) {
	c := in.Project(p.Point())
	if c.W <= 0 {
		return Vec2{}, false
	}
	return c.Divide(), true
}

// Unproject returns the camera-space point seen at pixel px whose distance
// along the viewing axis (-z) is depth.
func (in Intrinsics) Unproject(px Vec2, depth float32) (Vec3, error) {
	mx := (px.X - in.Cx) / in.Fx
	my := (px.Y - in.Cy) / in.Fy
	n2 := mx*mx + my*my

	arg := 1 + n2 - n2*in.Xi*in.Xi
	if arg <= 0 {
		return Vec3{}, ErrOutsideFOV
	}
	a := in.Xi + math32.Sqrt(arg)
	den := a - in.Xi*(n2+1)
	if den <= 0 {
		return Vec3{}, ErrOutsideFOV
	}
	s := a / den
	return Vec3{X: depth * s * mx, Y: depth * s * my, Z: -depth}, nil
}

// Normalized converts pixel intrinsics for a width x height target into the
// normalized device range used by the GPU uniform. The y axis is mirrored so
// that image row 0 lands at the top of the render target.
func (in Intrinsics) Normalized(width, height int) Intrinsics {
	w := float32(width)
	h := float32(height)
	return Intrinsics{
		Fx:     2 * in.Fx / w,
		Fy:     -2 * in.Fy / h,
		Cx:     2*in.Cx/w - 1,
		Cy:     1 - 2*in.Cy/h,
		Xi:     in.Xi,
		Width:  width,
		Height: height,
	}
}

// Degenerate reports whether no vertex of the mesh projects with a positive
// norm under the given view. Such a frame is empty.
func (in Intrinsics) Degenerate(view Mat4, mesh *Mesh) bool {
	for i := range mesh.Vertices {
		p := view.MulVec4(mesh.Vertices[i].Position.Point())
		if in.Project(p).W > 0 {
			return false
		}
	}
	return true
}
