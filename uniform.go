package unicam

import (
	"encoding/binary"
	"math"
)

// CameraUniformSize is the byte size of the camera uniform block:
//
//	view        mat4x4<f32>  64 bytes (offset 0)
//	xi          f32           4 bytes (offset 64)
//	fx, fy      f32           8 bytes (offset 68)
//	cx, cy      f32           8 bytes (offset 76)
//	depth_scale f32           4 bytes (offset 84)
//	padding                   8 bytes (offset 88)
//
// Total = 96 bytes, a multiple of the 16-byte uniform alignment.
const CameraUniformSize = 96

// CameraUniform is the per-job camera state consumed by the vertex stage.
// Intrinsics are stored normalized to device coordinates.
type CameraUniform struct {
	View       Mat4
	Intrinsics Intrinsics
	DepthScale float32
}

// NewCameraUniform packs pixel intrinsics and a pose for a width x height
// target.
func NewCameraUniform(in Intrinsics, pose Pose, width, height int) CameraUniform {
	return CameraUniform{
		View:       pose.View(),
		Intrinsics: in.Normalized(width, height),
		DepthScale: DepthScale,
	}
}

// Bytes returns the std140 little-endian encoding of the uniform.
func (u CameraUniform) Bytes() []byte {
	buf := make([]byte, CameraUniformSize)
	for i, v := range u.View {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	tail := [...]float32{
		u.Intrinsics.Xi,
		u.Intrinsics.Fx, u.Intrinsics.Fy,
		u.Intrinsics.Cx, u.Intrinsics.Cy,
		u.DepthScale,
	}
	for i, v := range tail {
		binary.LittleEndian.PutUint32(buf[64+i*4:], math.Float32bits(v))
	}
	return buf
}

// Clip runs the vertex stage for a world-space position.
func (u CameraUniform) Clip(p Vec3) Vec4 {
	return u.Intrinsics.Project(u.View.MulVec4(p.Point()))
}
