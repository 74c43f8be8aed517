package unicam

import (
	"errors"
	"fmt"
)

// Error kinds. Per-job failures wrap ErrConfig, ErrDegenerateProjection or
// ErrIO and never stop a batch. ErrResource and ErrDeviceLost are fatal.
var (
	// ErrConfig reports a malformed camera, pose, mesh or texture record.
	ErrConfig = errors.New("unicam: invalid configuration")

	// ErrResource reports a shader, pipeline or device creation failure.
	ErrResource = errors.New("unicam: GPU resource creation failed")

	// ErrDegenerateProjection reports that no mesh vertex lies in front of
	// the effective image plane (every vertex has norm <= 0).
	ErrDegenerateProjection = errors.New("unicam: degenerate projection")

	// ErrIO reports a mesh/texture load or frame write failure.
	ErrIO = errors.New("unicam: I/O failure")

	// ErrDeviceLost reports that the device stopped accepting or completing work.
	ErrDeviceLost = errors.New("unicam: device lost")

	// ErrClosed is returned when using a closed backend or renderer.
	ErrClosed = errors.New("unicam: closed")

	// ErrBackendNotAvailable is returned when no backend is registered
	// under the requested name.
	ErrBackendNotAvailable = errors.New("unicam: backend not available")
)

// JobError attaches the job ID to a per-job failure.
type JobError struct {
	JobID int
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %d: %v", e.JobID, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole batch.
func IsFatal(err error) bool {
	return errors.Is(err, ErrResource) || errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrClosed)
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
