//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unicam"
)

// copyPitchAlignment is the row alignment WebGPU requires for
// texture-to-buffer copies.
const copyPitchAlignment = 256

// fencePollInterval bounds a single device wait. The waiter loops until the
// fence signals, so frames have no overall timeout.
const fencePollInterval = 250 * time.Millisecond

// frameSlot owns the per-frame device objects: the camera uniform, color
// and depth targets, and staging buffers the frame is copied into.
type frameSlot struct {
	ctx *RenderContext

	uniformBuf  hal.Buffer
	cameraGroup hal.BindGroup
	fence       hal.Fence
	fenceValue  uint64

	width, height uint32
	depth         bool
	targets       slotTargets
	targetBytes   uint64

	scene    *gpuScene
	pending  hal.CommandBuffer
	released bool
}

// slotTargets are the size-dependent objects of a slot.
type slotTargets struct {
	colorTex     hal.Texture
	colorView    hal.TextureView
	depthTex     hal.Texture
	depthView    hal.TextureView
	colorStaging hal.Buffer
	depthStaging hal.Buffer
	pitch        uint32 // aligned bytes per staged row (color and depth are both 4 bytes per pixel)
}

func (c *RenderContext) newFrameSlot() (*frameSlot, error) {
	if err := c.memory.reserve(unicam.CameraUniformSize, resourceSlot); err != nil {
		return nil, fmt.Errorf("%w: allocate slot: %w", unicam.ErrResource, err)
	}
	s := &frameSlot{ctx: c}
	if err := s.create(); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

func (s *frameSlot) create() error {
	c := s.ctx
	var err error

	s.uniformBuf, err = c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "camera_uniform",
		Size:  unicam.CameraUniformSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("%w: create camera uniform: %w", unicam.ErrResource, err)
	}

	s.cameraGroup, err = c.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "camera_bind",
		Layout: c.pipeline.cameraLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{
				Buffer: s.uniformBuf.NativeHandle(), Offset: 0, Size: unicam.CameraUniformSize,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create camera bind group: %w", unicam.ErrResource, err)
	}

	s.fence, err = c.device.CreateFence()
	if err != nil {
		return fmt.Errorf("%w: create fence: %w", unicam.ErrResource, err)
	}
	return nil
}

// Resize recreates the targets and staging buffers when the size or the
// depth readback setting changed.
func (s *frameSlot) Resize(width, height int, depth bool) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: slot size %dx%d is not positive", unicam.ErrConfig, width, height)
	}
	w, h := uint32(width), uint32(height) //nolint:gosec // checked positive
	if s.targets.colorTex != nil && w == s.width && h == s.height && depth == s.depth {
		return nil
	}

	pitch := alignPitch(w * 4)
	size := uint64(w)*uint64(h)*8 + uint64(pitch)*uint64(h)
	if depth {
		size += uint64(pitch) * uint64(h)
	}
	if err := s.ctx.memory.resize(s.targetBytes, size); err != nil {
		return fmt.Errorf("%w: resize slot to %dx%d: %w", unicam.ErrResource, w, h, err)
	}
	s.destroyTargets()
	s.targetBytes = size

	if err := s.createTargets(w, h, pitch, depth); err != nil {
		s.destroyTargets()
		return err
	}
	s.width, s.height, s.depth = w, h, depth
	return nil
}

func (s *frameSlot) createTargets(w, h, pitch uint32, depth bool) error {
	d := s.ctx.device
	t := &s.targets
	t.pitch = pitch
	size := hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}
	var err error

	t.colorTex, err = d.CreateTexture(&hal.TextureDescriptor{
		Label:         "frame_color",
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        colorFormat,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("%w: create color target: %w", unicam.ErrResource, err)
	}
	t.colorView, err = d.CreateTextureView(t.colorTex, &hal.TextureViewDescriptor{Label: "frame_color_view"})
	if err != nil {
		return fmt.Errorf("%w: create color view: %w", unicam.ErrResource, err)
	}

	t.depthTex, err = d.CreateTexture(&hal.TextureDescriptor{
		Label:         "frame_depth",
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        depthFormat,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("%w: create depth target: %w", unicam.ErrResource, err)
	}
	t.depthView, err = d.CreateTextureView(t.depthTex, &hal.TextureViewDescriptor{Label: "frame_depth_view"})
	if err != nil {
		return fmt.Errorf("%w: create depth view: %w", unicam.ErrResource, err)
	}

	stagingSize := uint64(pitch) * uint64(h)
	t.colorStaging, err = d.CreateBuffer(&hal.BufferDescriptor{
		Label: "frame_color_staging",
		Size:  stagingSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("%w: create color staging buffer: %w", unicam.ErrResource, err)
	}
	if depth {
		t.depthStaging, err = d.CreateBuffer(&hal.BufferDescriptor{
			Label: "frame_depth_staging",
			Size:  stagingSize,
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("%w: create depth staging buffer: %w", unicam.ErrResource, err)
		}
	}
	return nil
}

// Bind selects the scene drawn by the next Draw.
func (s *frameSlot) Bind(scene unicam.Scene) error {
	sc, ok := scene.(*gpuScene)
	if !ok || sc.ctx != s.ctx {
		return fmt.Errorf("%w: scene %T does not belong to this render context", unicam.ErrConfig, scene)
	}
	s.scene = sc
	return nil
}

// UpdateCamera writes the camera uniform.
func (s *frameSlot) UpdateCamera(u unicam.CameraUniform) error {
	s.ctx.submitMu.Lock()
	s.ctx.queue.WriteBuffer(s.uniformBuf, 0, u.Bytes())
	s.ctx.submitMu.Unlock()
	return nil
}

// Draw encodes the render pass and the copies into the staging buffers,
// submits them and returns a fence that signals when the frame is staged.
func (s *frameSlot) Draw(clear unicam.Color) (unicam.Fence, error) {
	if s.ctx.closed.Load() {
		return nil, unicam.ErrClosed
	}
	if s.scene == nil {
		return nil, fmt.Errorf("%w: no scene bound", unicam.ErrConfig)
	}
	if s.targets.colorTex == nil {
		return nil, fmt.Errorf("%w: slot has no render targets", unicam.ErrConfig)
	}
	s.freePending()

	cmdBuf, err := s.encode(clear)
	if err != nil {
		return nil, err
	}
	s.pending = cmdBuf

	s.fenceValue++
	s.ctx.submitMu.Lock()
	err = s.ctx.queue.Submit([]hal.CommandBuffer{cmdBuf}, s.fence, s.fenceValue)
	s.ctx.submitMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %w", unicam.ErrDeviceLost, err)
	}
	return s.watch(s.fenceValue), nil
}

func (s *frameSlot) encode(clear unicam.Color) (hal.CommandBuffer, error) {
	c := s.ctx
	t := &s.targets

	encoder, err := c.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "frame_encoder",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create command encoder: %w", unicam.ErrResource, err)
	}
	if err := encoder.BeginEncoding("frame"); err != nil {
		return nil, fmt.Errorf("%w: begin encoding: %w", unicam.ErrResource, err)
	}

	depthStore := gputypes.StoreOpDiscard
	if s.depth {
		depthStore = gputypes.StoreOpStore
	}
	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "frame_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:    t.colorView,
			LoadOp:  gputypes.LoadOpClear,
			StoreOp: gputypes.StoreOpStore,
			ClearValue: gputypes.Color{
				R: float64(clear.R), G: float64(clear.G), B: float64(clear.B), A: float64(clear.A),
			},
		}},
		DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
			View:            t.depthView,
			DepthLoadOp:     gputypes.LoadOpClear,
			DepthStoreOp:    depthStore,
			DepthClearValue: 1.0,
		},
	})
	rp.SetPipeline(c.pipeline.pipeline)
	rp.SetBindGroup(0, s.cameraGroup, nil)
	rp.SetBindGroup(1, s.scene.bindGroup, nil)
	rp.SetVertexBuffer(0, s.scene.vertexBuf, 0)
	rp.SetIndexBuffer(s.scene.indexBuf, gputypes.IndexFormatUint32, 0)
	rp.DrawIndexed(s.scene.indexCount, 1, 0, 0, 0)
	rp.End()

	s.encodeCopy(encoder, t.colorTex, t.colorStaging, gputypes.TextureAspectAll)
	if s.depth {
		s.encodeCopy(encoder, t.depthTex, t.depthStaging, gputypes.TextureAspectDepthOnly)
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("%w: end encoding: %w", unicam.ErrResource, err)
	}
	return cmdBuf, nil
}

// encodeCopy copies a render target into its staging buffer, with the
// layout transitions Vulkan needs around the copy.
func (s *frameSlot) encodeCopy(encoder hal.CommandEncoder, tex hal.Texture, dst hal.Buffer, aspect gputypes.TextureAspect) {
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageRenderAttachment,
			NewUsage: gputypes.TextureUsageCopySrc,
		},
	}})
	encoder.CopyTextureToBuffer(tex, dst, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: s.targets.pitch, RowsPerImage: s.height},
		TextureBase:  hal.ImageCopyTexture{Texture: tex, MipLevel: 0, Aspect: aspect},
		Size:         hal.Extent3D{Width: s.width, Height: s.height, DepthOrArrayLayers: 1},
	}})
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopySrc,
			NewUsage: gputypes.TextureUsageRenderAttachment,
		},
	}})
}

// watch starts a goroutine that waits for the fence to reach value.
func (s *frameSlot) watch(value uint64) *gpuFence {
	f := &gpuFence{done: make(chan struct{})}
	device, fence := s.ctx.device, s.fence
	go func() {
		defer close(f.done)
		for {
			ok, err := device.Wait(fence, value, fencePollInterval)
			if err != nil {
				f.err = fmt.Errorf("%w: wait for frame: %w", unicam.ErrDeviceLost, err)
				return
			}
			if ok {
				return
			}
			if s.ctx.closed.Load() {
				f.err = unicam.ErrClosed
				return
			}
		}
	}()
	return f
}

// Readback copies the staged frame into dst, dropping the row padding.
func (s *frameSlot) Readback(dst *unicam.FrameBuffer) error {
	if uint32(dst.Width) != s.width || uint32(dst.Height) != s.height { //nolint:gosec // frame sizes are positive
		return fmt.Errorf("%w: readback size %dx%d does not match slot %dx%d",
			unicam.ErrConfig, dst.Width, dst.Height, s.width, s.height)
	}
	t := &s.targets
	staged := make([]byte, uint64(t.pitch)*uint64(s.height))

	s.ctx.submitMu.Lock()
	defer s.ctx.submitMu.Unlock()

	if err := s.ctx.queue.ReadBuffer(t.colorStaging, 0, staged); err != nil {
		return fmt.Errorf("%w: read color: %w", unicam.ErrDeviceLost, err)
	}
	unpadRows(dst.Pix, staged, int(s.width)*4, int(t.pitch), int(s.height))

	if s.depth && dst.Depth != nil {
		if err := s.ctx.queue.ReadBuffer(t.depthStaging, 0, staged); err != nil {
			return fmt.Errorf("%w: read depth: %w", unicam.ErrDeviceLost, err)
		}
		decodeDepth(dst.Depth, staged, int(s.width), int(t.pitch), int(s.height))
	}
	return nil
}

// Release frees all device objects of the slot.
func (s *frameSlot) Release() {
	if s.released {
		return
	}
	s.released = true
	d := s.ctx.device
	s.freePending()
	s.destroyTargets()
	s.ctx.memory.free(s.targetBytes+unicam.CameraUniformSize, resourceSlot)
	s.targetBytes = 0
	if s.fence != nil {
		d.DestroyFence(s.fence)
		s.fence = nil
	}
	if s.cameraGroup != nil {
		d.DestroyBindGroup(s.cameraGroup)
		s.cameraGroup = nil
	}
	if s.uniformBuf != nil {
		d.DestroyBuffer(s.uniformBuf)
		s.uniformBuf = nil
	}
	s.scene = nil
}

func (s *frameSlot) freePending() {
	if s.pending != nil {
		s.ctx.device.FreeCommandBuffer(s.pending)
		s.pending = nil
	}
}

func (s *frameSlot) destroyTargets() {
	d := s.ctx.device
	t := &s.targets
	if t.depthStaging != nil {
		d.DestroyBuffer(t.depthStaging)
	}
	if t.colorStaging != nil {
		d.DestroyBuffer(t.colorStaging)
	}
	if t.depthView != nil {
		d.DestroyTextureView(t.depthView)
	}
	if t.depthTex != nil {
		d.DestroyTexture(t.depthTex)
	}
	if t.colorView != nil {
		d.DestroyTextureView(t.colorView)
	}
	if t.colorTex != nil {
		d.DestroyTexture(t.colorTex)
	}
	*t = slotTargets{}
	s.width, s.height = 0, 0
}

// gpuFence is signaled by the waiter goroutine of a submitted frame.
type gpuFence struct {
	done chan struct{}
	err  error
}

func (f *gpuFence) Done() <-chan struct{} { return f.done }

func (f *gpuFence) Err() error {
	<-f.done
	return f.err
}

func alignPitch(rowBytes uint32) uint32 {
	return (rowBytes + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
}

// unpadRows copies rows of rowBytes from a buffer with the given pitch.
func unpadRows(dst, src []byte, rowBytes, pitch, rows int) {
	if rowBytes == pitch {
		copy(dst, src[:rowBytes*rows])
		return
	}
	for y := range rows {
		copy(dst[y*rowBytes:(y+1)*rowBytes], src[y*pitch:y*pitch+rowBytes])
	}
}

// decodeDepth converts staged little-endian float32 depth rows.
func decodeDepth(dst []float32, src []byte, width, pitch, rows int) {
	for y := range rows {
		row := src[y*pitch:]
		for x := range width {
			dst[y*width+x] = math.Float32frombits(binary.LittleEndian.Uint32(row[x*4:]))
		}
	}
}

var _ unicam.FrameSlot = (*frameSlot)(nil)
