package unicam

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/unicam/internal/parallel"
	"github.com/gogpu/unicam/internal/raster"
)

func init() {
	Register(BackendSoftware, func() (Backend, error) {
		return NewSoftwareBackend(0), nil
	})
}

// SoftwareBackend renders on the CPU. It runs the same vertex stage as the
// GPU shader and emulates clipping, rasterization, the depth test and
// texture sampling, so it produces the same frames up to rasterization
// rules and filtering precision.
//
// Each slot renders on its own goroutine; rows are split across a shared
// worker pool.
type SoftwareBackend struct {
	pool   *parallel.WorkerPool
	raster *raster.Rasterizer
	closed atomic.Bool
}

// NewSoftwareBackend creates a software backend with the given number of
// raster workers (0 means GOMAXPROCS).
func NewSoftwareBackend(workers int) *SoftwareBackend {
	pool := parallel.NewWorkerPool(workers)
	return &SoftwareBackend{
		pool:   pool,
		raster: raster.New(pool),
	}
}

// Name returns "software".
func (b *SoftwareBackend) Name() string { return BackendSoftware }

// Upload wraps the mesh and texture. Nothing is copied.
func (b *SoftwareBackend) Upload(mesh *Mesh, tex *Texture) (Scene, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := mesh.Validate(); err != nil {
		return nil, err
	}
	if err := tex.Validate(); err != nil {
		return nil, err
	}
	w, h := tex.Size()
	return &softwareScene{
		mesh: mesh,
		tex: &raster.Texture{
			Width:  w,
			Height: h,
			Stride: tex.Image.Stride,
			Pix:    tex.Image.Pix,
			Linear: tex.Sampler.MagFilter == FilterLinear,
			Repeat: tex.Sampler.Address == AddressRepeat,
		},
	}, nil
}

// NewSlot creates a frame slot with its own render target.
func (b *SoftwareBackend) NewSlot() (FrameSlot, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return &softwareSlot{backend: b, target: &raster.Target{}}, nil
}

// Close stops the raster workers.
func (b *SoftwareBackend) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.pool.Close()
	}
	return nil
}

type softwareScene struct {
	mesh *Mesh
	tex  *raster.Texture
}

func (s *softwareScene) Release() {}

type softwareSlot struct {
	backend *SoftwareBackend
	target  *raster.Target
	scene   *softwareScene
	uniform CameraUniform
	verts   []raster.Vertex
}

func (s *softwareSlot) Resize(width, height int, _ bool) error {
	if width <= 0 || height <= 0 {
		return configErrorf("slot size %dx%d is not positive", width, height)
	}
	s.target.Resize(width, height)
	return nil
}

func (s *softwareSlot) Bind(scene Scene) error {
	sc, ok := scene.(*softwareScene)
	if !ok {
		return fmt.Errorf("%w: scene %T does not belong to the software backend", ErrConfig, scene)
	}
	s.scene = sc
	return nil
}

func (s *softwareSlot) UpdateCamera(u CameraUniform) error {
	s.uniform = u
	return nil
}

func (s *softwareSlot) Draw(clear Color) (Fence, error) {
	if s.scene == nil {
		return nil, configErrorf("no scene bound")
	}
	if s.backend.closed.Load() {
		return nil, ErrClosed
	}
	f := &softwareFence{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		s.render(clear)
	}()
	return f, nil
}

// render runs the vertex stage and rasterizes the scene.
func (s *softwareSlot) render(clear Color) {
	mesh := s.scene.mesh
	if cap(s.verts) < len(mesh.Vertices) {
		s.verts = make([]raster.Vertex, len(mesh.Vertices))
	}
	s.verts = s.verts[:len(mesh.Vertices)]
	for i := range mesh.Vertices {
		v := &mesh.Vertices[i]
		c := s.uniform.Clip(v.Position)
		s.verts[i] = raster.Vertex{
			Clip: [4]float32{c.X, c.Y, c.Z, c.W},
			UV:   [2]float32{v.TexCoord.X, v.TexCoord.Y},
		}
	}
	s.target.Clear(clear.RGBA8(), 1)
	s.backend.raster.DrawIndexed(s.target, s.verts, mesh.Indices, s.scene.tex)
}

func (s *softwareSlot) Readback(dst *FrameBuffer) error {
	if dst.Width != s.target.Width || dst.Height != s.target.Height {
		return configErrorf("readback size %dx%d does not match slot %dx%d",
			dst.Width, dst.Height, s.target.Width, s.target.Height)
	}
	copy(dst.Pix, s.target.Color)
	if dst.Depth != nil {
		copy(dst.Depth, s.target.Depth)
	}
	return nil
}

func (s *softwareSlot) Release() {
	s.target = &raster.Target{}
	s.verts = nil
	s.scene = nil
}

type softwareFence struct {
	done chan struct{}
}

func (f *softwareFence) Done() <-chan struct{} { return f.done }
func (f *softwareFence) Err() error            { return nil }
