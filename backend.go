package unicam

// Backend executes render jobs on a device. A Backend is the render context
// of a process: it is created once, shared by every job of every batch, and
// closed once.
//
// Implementations are provided by backend packages and registered with
// Register. The software backend is always available; the GPU backend is
// enabled with a blank import:
//
//	import _ "github.com/gogpu/unicam/gpu"
type Backend interface {
	// Name returns the backend name (e.g., "gpu", "software").
	Name() string

	// Upload makes a mesh and texture resident on the device.
	// Invalid input is reported with ErrConfig, device failures with
	// ErrResource.
	Upload(mesh *Mesh, tex *Texture) (Scene, error)

	// NewSlot allocates a frame slot: render targets, a camera uniform and
	// the staging memory used to read the frame back.
	NewSlot() (FrameSlot, error)

	// Close releases all device resources. Slots and scenes must be
	// released first.
	Close() error
}

// Scene is a mesh and texture resident on a backend.
type Scene interface {
	Release()
}

// FrameSlot is one in-flight frame. The batch renderer cycles a bounded set
// of slots; a slot is reused only after its previous frame was read back.
type FrameSlot interface {
	// Resize (re)allocates the render targets for the given size.
	// It is a no-op when the size and depth setting are unchanged.
	Resize(width, height int, depth bool) error

	// Bind selects the scene to draw.
	Bind(scene Scene) error

	// UpdateCamera uploads the camera uniform.
	UpdateCamera(u CameraUniform) error

	// Draw records and submits the render pass and the copy into the
	// slot's staging memory. It does not wait for completion.
	Draw(clear Color) (Fence, error)

	// Readback copies the staged frame into dst. Call only after the fence
	// returned by Draw is done.
	Readback(dst *FrameBuffer) error

	// Release frees the slot's resources.
	Release()
}

// Fence is the completion signal of a submitted frame.
type Fence interface {
	// Done is closed when the GPU work has finished or failed.
	Done() <-chan struct{}

	// Err reports a failure after Done is closed. A non-nil error means the
	// device is lost.
	Err() error
}
