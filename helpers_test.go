package unicam

import (
	"image"
	"image/color"
)

// quadMesh returns a 4x4 world-unit square centered on the z axis at depth z,
// facing the camera, with texture coordinates spanning the full texture.
func quadMesh(z float32) *Mesh {
	return &Mesh{
		Name: "quad",
		Vertices: []Vertex{
			{Position: Vec3{-2, 2, z}, TexCoord: Vec2{0, 0}},
			{Position: Vec3{2, 2, z}, TexCoord: Vec2{1, 0}},
			{Position: Vec3{2, -2, z}, TexCoord: Vec2{1, 1}},
			{Position: Vec3{-2, -2, z}, TexCoord: Vec2{0, 1}},
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	}
}

// solidTexture returns a size x size texture of a single color.
func solidTexture(c color.RGBA, size int) *Texture {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	tex := NewTexture("solid", img)
	tex.Sampler = Sampler{MagFilter: FilterNearest, MinFilter: FilterNearest}
	return tex
}

// quadrantTexture returns a 2x2 texture with distinct colors per texel.
func quadrantTexture() *Texture {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{255, 0, 0, 255})
	img.SetRGBA(1, 0, color.RGBA{0, 255, 0, 255})
	img.SetRGBA(0, 1, color.RGBA{0, 0, 255, 255})
	img.SetRGBA(1, 1, color.RGBA{255, 255, 0, 255})
	tex := NewTexture("quadrants", img)
	tex.Sampler = Sampler{MagFilter: FilterNearest, MinFilter: FilterNearest}
	return tex
}
