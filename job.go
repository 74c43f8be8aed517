package unicam

import "context"

// FrameSink receives finished frames. WriteFrame may be called from several
// goroutines at once, one call per job.
type FrameSink interface {
	WriteFrame(ctx context.Context, job *RenderJob, frame *FrameBuffer) error
}

// SinkFunc adapts a function to FrameSink.
type SinkFunc func(ctx context.Context, job *RenderJob, frame *FrameBuffer) error

// WriteFrame calls f.
func (f SinkFunc) WriteFrame(ctx context.Context, job *RenderJob, frame *FrameBuffer) error {
	return f(ctx, job, frame)
}

// RenderJob describes one frame: camera, geometry, output size and sink.
type RenderJob struct {
	ID         int
	Intrinsics Intrinsics
	Pose       Pose
	Mesh       *Mesh
	Texture    *Texture

	// Width and Height default to Intrinsics.Width and Intrinsics.Height.
	Width, Height int

	// Sink overrides BatchOptions.Sink for this job.
	Sink FrameSink

	// Meta carries caller data through to the sink.
	Meta any
}

// Size returns the output size, falling back to the intrinsics image size.
func (j *RenderJob) Size() (width, height int) {
	width, height = j.Width, j.Height
	if width == 0 && height == 0 {
		width, height = j.Intrinsics.Width, j.Intrinsics.Height
	}
	return width, height
}

// validateScene checks the parts of a job without which no frame can be
// produced at all.
func (j *RenderJob) validateScene() error {
	w, h := j.Size()
	if w <= 0 || h <= 0 {
		return configErrorf("output size %dx%d is not positive", w, h)
	}
	if err := j.Mesh.Validate(); err != nil {
		return err
	}
	return j.Texture.Validate()
}

// validateCamera checks the camera configuration. A job that fails here
// still produces an empty frame.
func (j *RenderJob) validateCamera() error {
	if err := j.Intrinsics.Validate(); err != nil {
		return err
	}
	return j.Pose.Validate()
}
