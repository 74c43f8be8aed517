//go:build !nogpu

// Package gpu registers the WebGPU (Vulkan) backend.
//
// Import this package to render on the GPU:
//
//	import _ "github.com/gogpu/unicam/gpu" // enable the "gpu" backend
//
// unicam.OpenDefault then prefers the GPU and falls back to the software
// backend when no Vulkan adapter can be opened. Build with the nogpu tag
// to compile the package without any GPU dependency.
package gpu

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/unicam"
	gpuimpl "github.com/gogpu/unicam/internal/gpu"
)

func init() {
	unicam.Register(unicam.BackendGPU, func() (unicam.Backend, error) {
		return gpuimpl.NewRenderContext(gpuimpl.Config{})
	})
}

// Options configures a GPU backend.
type Options struct {
	// MemoryBudgetMB caps the device memory used by resident meshes,
	// textures and frame slots. 0 means unlimited.
	MemoryBudgetMB int
}

// MemoryStats reports device memory held by a GPU backend.
type MemoryStats = gpuimpl.MemoryStats

// New opens a GPU backend on the first hardware Vulkan adapter. Unlike
// unicam.Open it accepts options; the backend logs through unicam.Logger.
func New(opts Options) (unicam.Backend, error) {
	c, err := gpuimpl.NewRenderContext(gpuimpl.Config{MemoryBudgetMB: opts.MemoryBudgetMB})
	if err != nil {
		return nil, err
	}
	c.SetLogger(unicam.Logger())
	return c, nil
}

// NewShared creates a GPU backend on the device of a host application,
// for example a gogpu window. The provider must also expose its HAL device
// and queue (HalDevice and HalQueue). Closing the backend leaves the
// host's device open.
func NewShared(provider gpucontext.DeviceProvider, opts Options) (unicam.Backend, error) {
	c, err := gpuimpl.NewRenderContextFromProvider(provider, gpuimpl.Config{MemoryBudgetMB: opts.MemoryBudgetMB})
	if err != nil {
		return nil, err
	}
	c.SetLogger(unicam.Logger())
	return c, nil
}

// Stats returns the memory statistics of a backend created by this
// package. ok is false for other backends.
func Stats(b unicam.Backend) (stats MemoryStats, ok bool) {
	type statser interface{ MemoryStats() gpuimpl.MemoryStats }
	s, ok := b.(statser)
	if !ok {
		return MemoryStats{}, false
	}
	return s.MemoryStats(), true
}
