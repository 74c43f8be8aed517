package unicam

import (
	"image"
	"image/draw"
)

// FilterMode selects texel filtering.
type FilterMode uint8

const (
	// FilterNearest picks the closest texel.
	FilterNearest FilterMode = iota
	// FilterLinear blends the four closest texels.
	FilterLinear
)

// AddressMode selects how out-of-range texture coordinates are handled.
type AddressMode uint8

const (
	// AddressClampToEdge clamps coordinates to the edge texels.
	AddressClampToEdge AddressMode = iota
	// AddressRepeat wraps coordinates.
	AddressRepeat
)

// Sampler holds the fixed sampling state of a texture.
type Sampler struct {
	MagFilter FilterMode
	MinFilter FilterMode
	Address   AddressMode
}

// DefaultSampler is linear magnification, nearest minification, clamped.
var DefaultSampler = Sampler{
	MagFilter: FilterLinear,
	MinFilter: FilterNearest,
	Address:   AddressClampToEdge,
}

// Texture is a diffuse RGBA8 texture with optional mip levels.
// Mips[0], when present, is half the size of Image.
type Texture struct {
	Name    string
	Image   *image.RGBA
	Mips    []*image.RGBA
	Sampler Sampler
}

// NewTexture converts img to RGBA and wraps it with the default sampler.
// An *image.RGBA with a zero origin is used without copying.
func NewTexture(name string, img image.Image) *Texture {
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	}
	return &Texture{Name: name, Image: rgba, Sampler: DefaultSampler}
}

// Validate checks that the texture has pixels.
func (t *Texture) Validate() error {
	if t == nil || t.Image == nil {
		return configErrorf("texture is nil")
	}
	if t.Image.Rect.Dx() <= 0 || t.Image.Rect.Dy() <= 0 {
		return configErrorf("texture %q is empty", t.Name)
	}
	return nil
}

// Size returns the base level dimensions.
func (t *Texture) Size() (width, height int) {
	return t.Image.Rect.Dx(), t.Image.Rect.Dy()
}

// Levels returns the base image followed by its mip levels.
func (t *Texture) Levels() []*image.RGBA {
	levels := make([]*image.RGBA, 0, 1+len(t.Mips))
	levels = append(levels, t.Image)
	return append(levels, t.Mips...)
}
