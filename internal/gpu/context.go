//go:build !nogpu

package gpu

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/unicam"
)

// Config holds render context options.
type Config struct {
	// MemoryBudgetMB caps the device memory used by scenes and slots.
	// 0 means unlimited.
	MemoryBudgetMB int
}

// RenderContext is the GPU implementation of unicam.Backend. It owns the
// device (or borrows one from a host application), the shared render
// pipeline and the samplers; scenes and frame slots are created from it.
//
// All queue access is serialized by the context, so scenes and slots may
// be used from different goroutines.
type RenderContext struct {
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool
	adapter  string

	// submitMu serializes queue writes, submissions and readbacks.
	submitMu sync.Mutex

	mu       sync.Mutex
	pipeline *MeshPipeline
	samplers map[unicam.Sampler]hal.Sampler

	memory *MemoryManager
	closed atomic.Bool
	log    atomic.Pointer[slog.Logger]
}

// NewRenderContext opens the first hardware Vulkan adapter, preferring
// discrete and integrated GPUs over software implementations.
func NewRenderContext(cfg Config) (*RenderContext, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", unicam.ErrBackendNotAvailable)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", unicam.ErrBackendNotAvailable, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no GPU adapters found", unicam.ErrBackendNotAvailable)
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open device: %w", unicam.ErrBackendNotAvailable, err)
	}

	c := newRenderContext(openDev.Device, openDev.Queue, cfg)
	c.instance = instance
	c.adapter = selected.Info.Name
	if err := c.init(); err != nil {
		c.Close()
		return nil, err
	}
	c.logger().Info("gpu: render context initialized", "adapter", c.adapter)
	return c, nil
}

// NewRenderContextFromProvider borrows the device and queue of a host
// application. The provider must expose HAL types through HalDevice and
// HalQueue, as gpucontext providers backed by wgpu do. Close does not
// destroy a borrowed device.
func NewRenderContextFromProvider(provider any, cfg Config) (*RenderContext, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", unicam.ErrConfig)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", unicam.ErrConfig)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", unicam.ErrConfig)
	}
	c, err := NewRenderContextWithDevice(device, queue, cfg)
	if err != nil {
		return nil, err
	}
	c.logger().Info("gpu: using shared GPU device")
	return c, nil
}

// NewRenderContextWithDevice wraps an open device and queue. The caller
// keeps ownership of the device.
func NewRenderContextWithDevice(device hal.Device, queue hal.Queue, cfg Config) (*RenderContext, error) {
	c := newRenderContext(device, queue, cfg)
	c.external = true
	if err := c.init(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newRenderContext(device hal.Device, queue hal.Queue, cfg Config) *RenderContext {
	c := &RenderContext{
		device:   device,
		queue:    queue,
		pipeline: NewMeshPipeline(device),
		samplers: make(map[unicam.Sampler]hal.Sampler),
		memory:   NewMemoryManager(cfg.MemoryBudgetMB),
	}
	c.SetLogger(unicam.Logger())
	return c
}

func (c *RenderContext) init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline.ensurePipeline()
}

// Name returns "gpu".
func (c *RenderContext) Name() string { return unicam.BackendGPU }

// AdapterName returns the name of the opened adapter, or "" for a borrowed
// device.
func (c *RenderContext) AdapterName() string { return c.adapter }

// SetLogger sets the logger of the context. A nil logger falls back to
// unicam.Logger.
func (c *RenderContext) SetLogger(l *slog.Logger) {
	if l == nil {
		l = unicam.Logger()
	}
	c.log.Store(l)
}

func (c *RenderContext) logger() *slog.Logger { return c.log.Load() }

// MemoryStats returns the device memory held by scenes and slots.
func (c *RenderContext) MemoryStats() MemoryStats { return c.memory.Stats() }

// Upload copies a mesh and its texture (with every mip level) to the
// device and builds the texture bind group.
func (c *RenderContext) Upload(mesh *unicam.Mesh, tex *unicam.Texture) (unicam.Scene, error) {
	if c.closed.Load() {
		return nil, unicam.ErrClosed
	}
	if err := mesh.Validate(); err != nil {
		return nil, err
	}
	if err := tex.Validate(); err != nil {
		return nil, err
	}
	s, err := c.uploadScene(mesh, tex)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewSlot allocates the camera uniform of a frame slot. Render targets are
// allocated by the first Resize.
func (c *RenderContext) NewSlot() (unicam.FrameSlot, error) {
	if c.closed.Load() {
		return nil, unicam.ErrClosed
	}
	s, err := c.newFrameSlot()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the pipeline and samplers, and the device unless it is
// borrowed. Scenes and slots must be released first.
func (c *RenderContext) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, s := range c.samplers {
		c.device.DestroySampler(s)
		delete(c.samplers, key)
	}
	c.pipeline.Destroy()
	c.memory.Close()

	if !c.external && c.device != nil {
		c.device.Destroy()
	}
	if c.instance != nil {
		c.instance.Destroy()
		c.instance = nil
	}
	return nil
}

// sampler returns the device sampler for s, creating it on first use.
func (c *RenderContext) sampler(s unicam.Sampler) (hal.Sampler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hs, ok := c.samplers[s]; ok {
		return hs, nil
	}
	address := gputypes.AddressModeClampToEdge
	if s.Address == unicam.AddressRepeat {
		address = gputypes.AddressModeRepeat
	}
	hs, err := c.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "mesh_sampler",
		AddressModeU: address,
		AddressModeV: address,
		AddressModeW: address,
		MagFilter:    filterMode(s.MagFilter),
		MinFilter:    filterMode(s.MinFilter),
		MipmapFilter: filterMode(s.MinFilter),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create sampler: %w", unicam.ErrResource, err)
	}
	c.samplers[s] = hs
	return hs, nil
}

func filterMode(f unicam.FilterMode) gputypes.FilterMode {
	if f == unicam.FilterLinear {
		return gputypes.FilterModeLinear
	}
	return gputypes.FilterModeNearest
}

var _ unicam.Backend = (*RenderContext)(nil)
