package raster

// minW is the smallest clip-space w kept by the near clip plane. Anything
// with w below it is behind or on the projection center.
const minW = 1e-6

// Vertex is a vertex after the vertex stage.
type Vertex struct {
	Clip [4]float32 // clip-space position (x, y, z, w)
	UV   [2]float32 // texture coordinate
}

// clipPlanes are the half-spaces of the WebGPU view volume:
// w >= minW, -w <= x <= w, -w <= y <= w, 0 <= z <= w.
var clipPlanes = [...]func(c *[4]float32) float32{
	func(c *[4]float32) float32 { return c[3] - minW },
	func(c *[4]float32) float32 { return c[3] + c[0] },
	func(c *[4]float32) float32 { return c[3] - c[0] },
	func(c *[4]float32) float32 { return c[3] + c[1] },
	func(c *[4]float32) float32 { return c[3] - c[1] },
	func(c *[4]float32) float32 { return c[2] },
	func(c *[4]float32) float32 { return c[3] - c[2] },
}

// ClipTriangle clips a triangle against the view volume with the
// Sutherland-Hodgman algorithm and appends the resulting convex polygon to
// dst. It returns dst unchanged when the triangle is entirely outside.
//
// Attributes are interpolated linearly in clip space, which is what a GPU
// clipper does before the perspective divide.
func ClipTriangle(dst []Vertex, a, b, c Vertex) []Vertex {
	var bufA, bufB [16]Vertex
	in := append(bufA[:0], a, b, c)
	spare := bufB[:0]

	for _, plane := range clipPlanes {
		out := spare[:0]
		for i := range in {
			cur := in[i]
			next := in[(i+1)%len(in)]
			dc := plane(&cur.Clip)
			dn := plane(&next.Clip)
			if dc >= 0 {
				out = append(out, cur)
			}
			if (dc >= 0) != (dn >= 0) {
				out = append(out, lerpVertex(cur, next, dc/(dc-dn)))
			}
		}
		if len(out) < 3 {
			return dst
		}
		in, spare = out, in
	}
	return append(dst, in...)
}

func lerpVertex(a, b Vertex, t float32) Vertex {
	var v Vertex
	for i := range v.Clip {
		v.Clip[i] = a.Clip[i] + t*(b.Clip[i]-a.Clip[i])
	}
	for i := range v.UV {
		v.UV[i] = a.UV[i] + t*(b.UV[i]-a.UV[i])
	}
	return v
}
