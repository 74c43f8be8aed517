package unicam

import (
	"github.com/chewxy/math32"
)

// poseTolerance bounds the deviation from orthonormality accepted for the
// rotation block of a view matrix.
const poseTolerance = 1e-3

// Pose is a rigid world-to-camera transform stored as a 4x4 view matrix.
// The camera looks down its local -z axis.
//
// A Pose is immutable. The zero value is not a valid pose.
type Pose struct {
	view Mat4
}

// IdentityPose returns the pose of a camera at the origin looking down -z.
func IdentityPose() Pose {
	return Pose{view: Identity()}
}

// PoseFromMatrix validates m as a rigid transform and wraps it.
func PoseFromMatrix(m Mat4) (Pose, error) {
	p := Pose{view: m}
	if err := p.Validate(); err != nil {
		return Pose{}, err
	}
	return p, nil
}

// PoseFromRotationTranslation builds a view matrix from a row-major 3x3
// rotation and a translation, x_cam = R*x_world + t.
func PoseFromRotationTranslation(r [9]float32, t Vec3) (Pose, error) {
	m := Identity()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m.Set(row, col, r[row*3+col])
		}
	}
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return PoseFromMatrix(m)
}

// LookAt places a camera at eye looking along forward with the given up
// direction. Forward and up must not be parallel.
func LookAt(eye, forward, up Vec3) (Pose, error) {
	f := forward.Normalize()
	s := f.Cross(up).Normalize()
	if s.Length() == 0 || f.Length() == 0 {
		return Pose{}, configErrorf("look-at forward %v and up %v are degenerate", forward, up)
	}
	u := s.Cross(f)

	m := Identity()
	m.Set(0, 0, s.X)
	m.Set(0, 1, s.Y)
	m.Set(0, 2, s.Z)
	m.Set(1, 0, u.X)
	m.Set(1, 1, u.Y)
	m.Set(1, 2, u.Z)
	m.Set(2, 0, -f.X)
	m.Set(2, 1, -f.Y)
	m.Set(2, 2, -f.Z)
	m.Set(0, 3, -s.Dot(eye))
	m.Set(1, 3, -u.Dot(eye))
	m.Set(2, 3, f.Dot(eye))
	return PoseFromMatrix(m)
}

// View returns the world-to-camera matrix.
func (p Pose) View() Mat4 {
	return p.view
}

// Position returns the camera center in world coordinates.
func (p Pose) Position() Vec3 {
	// c = -R^T t
	m := p.view
	t := Vec3{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}
	return Vec3{
		X: -(m.At(0, 0)*t.X + m.At(1, 0)*t.Y + m.At(2, 0)*t.Z),
		Y: -(m.At(0, 1)*t.X + m.At(1, 1)*t.Y + m.At(2, 1)*t.Z),
		Z: -(m.At(0, 2)*t.X + m.At(1, 2)*t.Y + m.At(2, 2)*t.Z),
	}
}

// Validate checks that the view matrix is a rotation plus translation:
// orthonormal rotation block with determinant +1 and last row (0, 0, 0, 1).
func (p Pose) Validate() error {
	m := p.view
	for i := range m {
		if !finite(m[i]) {
			return configErrorf("pose contains NaN or Inf")
		}
	}
	if m.At(3, 0) != 0 || m.At(3, 1) != 0 || m.At(3, 2) != 0 || m.At(3, 3) != 1 {
		return configErrorf("pose last row must be (0, 0, 0, 1)")
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float32
			for k := 0; k < 3; k++ {
				dot += m.At(i, k) * m.At(j, k)
			}
			want := float32(0)
			if i == j {
				want = 1
			}
			if math32.Abs(dot-want) > poseTolerance {
				return configErrorf("pose rotation is not orthonormal (row %d . row %d = %g)", i, j, dot)
			}
		}
	}
	if det3(m) <= 0 {
		return configErrorf("pose rotation is a reflection")
	}
	return nil
}

func det3(m Mat4) float32 {
	return m.At(0, 0)*(m.At(1, 1)*m.At(2, 2)-m.At(1, 2)*m.At(2, 1)) -
		m.At(0, 1)*(m.At(1, 0)*m.At(2, 2)-m.At(1, 2)*m.At(2, 0)) +
		m.At(0, 2)*(m.At(1, 0)*m.At(2, 1)-m.At(1, 1)*m.At(2, 0))
}
