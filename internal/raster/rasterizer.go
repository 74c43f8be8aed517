package raster

import (
	"math"

	"github.com/gogpu/unicam/internal/parallel"
)

// bandHeight is the number of rows one work item rasterizes.
const bandHeight = 32

// screenVertex is a vertex after the perspective divide and viewport
// transform. Attributes are premultiplied by 1/w for perspective-correct
// interpolation.
type screenVertex struct {
	x, y, z float32
	invW    float32
	uOverW  float32
	vOverW  float32
}

type triangle [3]screenVertex

// Rasterizer draws indexed triangle lists into a Target. Rows are split into
// bands that are rasterized in parallel; each band visits the triangles in
// submission order, so the depth test resolves ties the same way a GPU
// does and the output does not depend on scheduling.
type Rasterizer struct {
	pool *parallel.WorkerPool
}

// New creates a rasterizer. A nil pool rasterizes on the calling goroutine.
func New(pool *parallel.WorkerPool) *Rasterizer {
	return &Rasterizer{pool: pool}
}

// DrawIndexed clips, rasterizes and shades an indexed triangle list.
// Fragments pass the depth test when their depth is less than the stored
// value; passing fragments write the sampled texture color and their depth.
func (r *Rasterizer) DrawIndexed(t *Target, verts []Vertex, indices []uint32, tex *Texture) {
	tris := r.setup(t, verts, indices)
	if len(tris) == 0 || t.Width == 0 || t.Height == 0 {
		return
	}

	bands := (t.Height + bandHeight - 1) / bandHeight
	work := func(band int) {
		y0 := band * bandHeight
		y1 := min(y0+bandHeight, t.Height)
		for i := range tris {
			rasterizeBand(t, &tris[i], tex, y0, y1)
		}
	}
	if r.pool == nil {
		for b := range bands {
			work(b)
		}
		return
	}
	r.pool.ExecuteAll(bands, work)
}

// setup assembles, clips and projects the triangles.
func (r *Rasterizer) setup(t *Target, verts []Vertex, indices []uint32) []triangle {
	tris := make([]triangle, 0, len(indices)/3)
	var poly []Vertex
	for i := 0; i+2 < len(indices); i += 3 {
		a, b, c := verts[indices[i]], verts[indices[i+1]], verts[indices[i+2]]
		if !finiteVertex(&a) || !finiteVertex(&b) || !finiteVertex(&c) {
			continue
		}
		poly = ClipTriangle(poly[:0], a, b, c)
		if len(poly) < 3 {
			continue
		}
		s0 := toScreen(&poly[0], t.Width, t.Height)
		for k := 1; k+1 < len(poly); k++ {
			tris = append(tris, triangle{
				s0,
				toScreen(&poly[k], t.Width, t.Height),
				toScreen(&poly[k+1], t.Width, t.Height),
			})
		}
	}
	return tris
}

func toScreen(v *Vertex, width, height int) screenVertex {
	invW := 1 / v.Clip[3]
	return screenVertex{
		x:      (v.Clip[0]*invW + 1) * 0.5 * float32(width),
		y:      (1 - v.Clip[1]*invW) * 0.5 * float32(height),
		z:      v.Clip[2] * invW,
		invW:   invW,
		uOverW: v.UV[0] * invW,
		vOverW: v.UV[1] * invW,
	}
}

func finiteVertex(v *Vertex) bool {
	for _, f := range v.Clip {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

func edge(a, b *screenVertex, px, py float32) float32 {
	return (b.x-a.x)*(py-a.y) - (b.y-a.y)*(px-a.x)
}

// rasterizeBand rasterizes the rows [y0, y1) of one triangle, sampling at
// pixel centers.
func rasterizeBand(t *Target, tri *triangle, tex *Texture, y0, y1 int) {
	v0, v1, v2 := &tri[0], &tri[1], &tri[2]
	area := edge(v0, v1, v2.x, v2.y)
	if area == 0 {
		return
	}

	minX := max(int(math.Floor(float64(min(v0.x, v1.x, v2.x)))), 0)
	maxX := min(int(math.Ceil(float64(max(v0.x, v1.x, v2.x)))), t.Width-1)
	minY := max(int(math.Floor(float64(min(v0.y, v1.y, v2.y)))), y0)
	maxY := min(int(math.Ceil(float64(max(v0.y, v1.y, v2.y)))), y1-1)
	if minX > maxX || minY > maxY {
		return
	}

	invArea := 1 / area
	for y := minY; y <= maxY; y++ {
		py := float32(y) + 0.5
		row := y * t.Width
		for x := minX; x <= maxX; x++ {
			px := float32(x) + 0.5
			b0 := edge(v1, v2, px, py) * invArea
			b1 := edge(v2, v0, px, py) * invArea
			b2 := edge(v0, v1, px, py) * invArea
			if b0 < 0 || b1 < 0 || b2 < 0 {
				continue
			}

			z := b0*v0.z + b1*v1.z + b2*v2.z
			idx := row + x
			if !(z < t.Depth[idx]) || z < 0 {
				continue
			}

			iw := b0*v0.invW + b1*v1.invW + b2*v2.invW
			u := (b0*v0.uOverW + b1*v1.uOverW + b2*v2.uOverW) / iw
			v := (b0*v0.vOverW + b1*v1.vOverW + b2*v2.vOverW) / iw

			c := tex.Sample(u, v)
			o := idx * 4
			t.Color[o] = c[0]
			t.Color[o+1] = c[1]
			t.Color[o+2] = c[2]
			t.Color[o+3] = c[3]
			t.Depth[idx] = z
		}
	}
}
