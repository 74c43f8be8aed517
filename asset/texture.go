// Package asset loads the inputs of a rendering run and writes its outputs:
// meshes from Wavefront OBJ files or terrain heightmaps, textures and their
// mip chains, and frame writers that store images, depth maps and a JSON
// manifest.
package asset

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/gogpu/unicam"
)

// TextureOptions controls how a texture is prepared.
type TextureOptions struct {
	// Sampler is the sampling state. The zero value selects
	// unicam.DefaultSampler.
	Sampler *unicam.Sampler

	// Mipmaps builds the full mip chain with BuildMips.
	Mipmaps bool
}

// LoadImage decodes an image file. Supported formats: PNG, JPEG, GIF,
// TIFF, BMP and WebP.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%w: open image: %w", unicam.ErrIO, err)
	}
	defer func() { _ = f.Close() }()

	img, err := DecodeImage(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeImage decodes an image, detecting the format from its content.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %w", unicam.ErrIO, err)
	}
	unicam.Logger().Debug("asset: image decoded", "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return img, nil
}

// LoadTexture decodes an image file into a texture named after the file.
func LoadTexture(path string, opts TextureOptions) (*unicam.Texture, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	return NewTexture(baseName(path), img, opts), nil
}

// DecodeTexture is LoadTexture for in-memory data.
func DecodeTexture(name string, data []byte, opts TextureOptions) (*unicam.Texture, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: texture %q: empty data", unicam.ErrIO, name)
	}
	img, err := DecodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return NewTexture(name, img, opts), nil
}

// NewTexture wraps img as a texture and applies opts.
func NewTexture(name string, img image.Image, opts TextureOptions) *unicam.Texture {
	tex := unicam.NewTexture(name, img)
	if opts.Sampler != nil {
		tex.Sampler = *opts.Sampler
	}
	if opts.Mipmaps {
		tex.Mips = BuildMips(tex.Image)
	}
	return tex
}

// baseName returns the file name of path without its extension.
func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// MipLevels returns the number of levels below the base of a full mip
// chain: each level halves both dimensions (rounding down, at least 1)
// until the largest dimension reaches 1.
func MipLevels(width, height int) int {
	maxDim := max(width, height)
	if maxDim <= 1 {
		return 0
	}
	return int(math.Floor(math.Log2(float64(maxDim))))
}

// BuildMips returns the mip levels of src, largest first, excluding src
// itself. Each level is resampled from the previous one with a Catmull-Rom
// filter.
func BuildMips(src *image.RGBA) []*image.RGBA {
	if src == nil {
		return nil
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	n := MipLevels(w, h)
	if n == 0 {
		return nil
	}

	mips := make([]*image.RGBA, n)
	prev := src
	for i := range mips {
		w, h = max(1, w/2), max(1, h/2)
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Rect, prev, prev.Rect, draw.Src, nil)
		mips[i] = dst
		prev = dst
	}
	return mips
}
