//go:build !nogpu

package gpu

import (
	"fmt"
	"image"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unicam"
)

// gpuScene is a mesh and texture resident on the device.
type gpuScene struct {
	ctx *RenderContext

	vertexBuf  hal.Buffer
	indexBuf   hal.Buffer
	indexCount uint32

	texture   hal.Texture
	view      hal.TextureView
	bindGroup hal.BindGroup

	bytes    uint64
	released atomic.Bool
}

func (c *RenderContext) uploadScene(mesh *unicam.Mesh, tex *unicam.Texture) (*gpuScene, error) {
	vertices := mesh.VertexBytes()
	indices := mesh.IndexBytes()
	levels := tex.Levels()

	size := uint64(len(vertices) + len(indices))
	for _, lvl := range levels {
		size += uint64(lvl.Rect.Dx() * lvl.Rect.Dy() * 4)
	}
	if err := c.memory.reserve(size, resourceScene); err != nil {
		return nil, fmt.Errorf("%w: upload %q: %w", unicam.ErrResource, mesh.Name, err)
	}

	s := &gpuScene{ctx: c, indexCount: uint32(len(mesh.Indices)), bytes: size}
	if err := s.create(mesh.Name, vertices, indices, tex, levels); err != nil {
		s.Release()
		return nil, err
	}
	c.logger().Debug("gpu: scene uploaded",
		"mesh", mesh.Name, "triangles", mesh.TriangleCount(),
		"texture", tex.Name, "levels", len(levels), "bytes", size)
	return s, nil
}

func (s *gpuScene) create(name string, vertices, indices []byte, tex *unicam.Texture, levels []*image.RGBA) error {
	c := s.ctx
	var err error

	s.vertexBuf, err = c.createAndUploadBuffer(name+"_vertices", vertices,
		gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	s.indexBuf, err = c.createAndUploadBuffer(name+"_indices", indices,
		gputypes.BufferUsageIndex|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}

	w, h := tex.Size()
	mipCount := uint32(len(levels)) //nolint:gosec // a handful of mip levels
	s.texture, err = c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         tex.Name,
		Size:          hal.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1},
		MipLevelCount: mipCount,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("%w: create texture %q: %w", unicam.ErrResource, tex.Name, err)
	}

	c.submitMu.Lock()
	for level, img := range levels {
		lw, lh := img.Rect.Dx(), img.Rect.Dy()
		c.queue.WriteTexture(
			&hal.ImageCopyTexture{
				Texture:  s.texture,
				MipLevel: uint32(level), //nolint:gosec // bounded by mipCount
			},
			tightPixels(img),
			&hal.ImageDataLayout{
				Offset:       0,
				BytesPerRow:  uint32(lw * 4),
				RowsPerImage: uint32(lh),
			},
			&hal.Extent3D{Width: uint32(lw), Height: uint32(lh), DepthOrArrayLayers: 1},
		)
	}
	c.submitMu.Unlock()

	s.view, err = c.device.CreateTextureView(s.texture, &hal.TextureViewDescriptor{
		Label:         tex.Name + "_view",
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: mipCount,
	})
	if err != nil {
		return fmt.Errorf("%w: create texture view %q: %w", unicam.ErrResource, tex.Name, err)
	}

	sampler, err := c.sampler(tex.Sampler)
	if err != nil {
		return err
	}

	s.bindGroup, err = c.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  name + "_texture_bind",
		Layout: c.pipeline.textureLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.TextureViewBinding{
				TextureView: gputypes.TextureViewHandle(s.view.NativeHandle()),
			}},
			{Binding: 1, Resource: gputypes.SamplerBinding{
				Sampler: gputypes.SamplerHandle(sampler.NativeHandle()),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create texture bind group: %w", unicam.ErrResource, err)
	}
	return nil
}

// Release frees the device objects. Safe to call multiple times.
func (s *gpuScene) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	d := s.ctx.device
	if s.bindGroup != nil {
		d.DestroyBindGroup(s.bindGroup)
	}
	if s.view != nil {
		d.DestroyTextureView(s.view)
	}
	if s.texture != nil {
		d.DestroyTexture(s.texture)
	}
	if s.indexBuf != nil {
		d.DestroyBuffer(s.indexBuf)
	}
	if s.vertexBuf != nil {
		d.DestroyBuffer(s.vertexBuf)
	}
	s.ctx.memory.free(s.bytes, resourceScene)
}

// createAndUploadBuffer creates a GPU buffer and uploads data.
func (c *RenderContext) createAndUploadBuffer(label string, data []byte, usage gputypes.BufferUsage) (hal.Buffer, error) {
	buf, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  uint64(len(data)),
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", unicam.ErrResource, label, err)
	}
	c.submitMu.Lock()
	c.queue.WriteBuffer(buf, 0, data)
	c.submitMu.Unlock()
	return buf, nil
}

// tightPixels returns the pixels of img with a stride of exactly 4*width.
func tightPixels(img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	rowBytes := w * 4
	if img.Stride == rowBytes && img.Rect.Min == (image.Point{}) {
		return img.Pix[:rowBytes*h]
	}
	out := make([]byte, rowBytes*h)
	for y := range h {
		off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		copy(out[y*rowBytes:], img.Pix[off:off+rowBytes])
	}
	return out
}
