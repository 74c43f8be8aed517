package unicam

import (
	"encoding/binary"
	"math"
)

// VertexStride is the byte size of one interleaved vertex:
//
//	position (vec3<f32>) = 12 bytes (location 0)
//	texcoord (vec2<f32>) =  8 bytes (location 1)
const VertexStride = 20

// Vertex is a mesh vertex with a texture coordinate.
type Vertex struct {
	Position Vec3
	TexCoord Vec2
}

// Mesh is an indexed triangle list. Meshes are shared read-only by every
// job that references them and must not be modified while a batch runs.
type Mesh struct {
	Name     string
	Vertices []Vertex
	Indices  []uint32
}

// Validate checks that the mesh is a non-empty triangle list whose indices
// are all in range.
func (m *Mesh) Validate() error {
	if m == nil {
		return configErrorf("mesh is nil")
	}
	if len(m.Vertices) == 0 || len(m.Indices) == 0 {
		return configErrorf("mesh %q is empty", m.Name)
	}
	if len(m.Indices)%3 != 0 {
		return configErrorf("mesh %q index count %d is not a multiple of 3", m.Name, len(m.Indices))
	}
	n := uint32(len(m.Vertices))
	for i, idx := range m.Indices {
		if idx >= n {
			return configErrorf("mesh %q index %d = %d out of range (%d vertices)", m.Name, i, idx, n)
		}
	}
	for i := range m.Vertices {
		v := &m.Vertices[i]
		if !finite(v.Position.X, v.Position.Y, v.Position.Z, v.TexCoord.X, v.TexCoord.Y) {
			return configErrorf("mesh %q vertex %d is not finite", m.Name, i)
		}
	}
	return nil
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// Bounds returns the axis-aligned bounding box of the vertex positions.
func (m *Mesh) Bounds() (lo, hi Vec3) {
	if len(m.Vertices) == 0 {
		return Vec3{}, Vec3{}
	}
	lo = m.Vertices[0].Position
	hi = lo
	for _, v := range m.Vertices[1:] {
		p := v.Position
		lo = Vec3{X: min(lo.X, p.X), Y: min(lo.Y, p.Y), Z: min(lo.Z, p.Z)}
		hi = Vec3{X: max(hi.X, p.X), Y: max(hi.Y, p.Y), Z: max(hi.Z, p.Z)}
	}
	return lo, hi
}

// VertexBytes returns the interleaved little-endian vertex data.
func (m *Mesh) VertexBytes() []byte {
	buf := make([]byte, len(m.Vertices)*VertexStride)
	for i, v := range m.Vertices {
		off := i * VertexStride
		putF32(buf[off:], v.Position.X)
		putF32(buf[off+4:], v.Position.Y)
		putF32(buf[off+8:], v.Position.Z)
		putF32(buf[off+12:], v.TexCoord.X)
		putF32(buf[off+16:], v.TexCoord.Y)
	}
	return buf
}

// IndexBytes returns the indices as little-endian uint32 data.
func (m *Mesh) IndexBytes() []byte {
	buf := make([]byte, len(m.Indices)*4)
	for i, idx := range m.Indices {
		binary.LittleEndian.PutUint32(buf[i*4:], idx)
	}
	return buf
}

func putF32(b []byte, f float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
}
