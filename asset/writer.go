package asset

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gogpu/unicam"
	"github.com/gogpu/unicam/config"
)

// ManifestName is the file name of the dataset manifest written by DirWriter.
const ManifestName = "images.json"

// ManifestImage describes one rendered frame. Paths are relative to the
// output directory.
type ManifestImage struct {
	ID             int                    `json:"id"`
	RGBImagePath   string                 `json:"rgb_image_path"`
	DepthImagePath string                 `json:"depth_image_path,omitempty"`
	CameraPos      [3]float32             `json:"camera_pos"`
	CameraPosAGL   *[3]float32            `json:"camera_pos_agl,omitempty"`
	CameraForward  [3]float32             `json:"camera_forward"`
	CameraUp       [3]float32             `json:"camera_up"`
	Intrinsics     *config.IntrinsicsFile `json:"intrinsics,omitempty"`
	Empty          bool                   `json:"empty,omitempty"`
}

// GroundReferenced is implemented by job metadata that knows the camera
// height above the terrain, such as config.PoseRecord after Place.
// DirWriter records it as camera_pos_agl.
type GroundReferenced interface {
	PositionAGL() (unicam.Vec3, bool)
}

// Manifest lists the frames of a dataset and its camera intrinsics.
// Images carry their own intrinsics only when they differ from the
// dataset's.
type Manifest struct {
	Images     []ManifestImage       `json:"images"`
	Intrinsics config.IntrinsicsFile `json:"intrinsics"`
}

// ReadManifest reads images.json from dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %w", unicam.ErrIO, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %w", unicam.ErrConfig, err)
	}
	return &m, nil
}

// DirWriter is a unicam.FrameSink that stores each frame as
// image_<id>.png and, when depth was rendered, image_<id>.bin holding
// width*height little-endian float32 depth values row by row. Close
// writes the images.json manifest.
//
// Frames already listed in an existing manifest are kept, so an
// interrupted run can be resumed by rendering only the jobs for which
// Done reports false.
type DirWriter struct {
	dir        string
	intrinsics unicam.Intrinsics
	encoder    png.Encoder

	mu     sync.Mutex
	images map[int]ManifestImage
	closed bool
}

// NewDirWriter creates dir if needed and loads its manifest, if any.
// intrinsics are recorded as the dataset intrinsics.
func NewDirWriter(dir string, intrinsics unicam.Intrinsics) (*DirWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output directory: %w", unicam.ErrIO, err)
	}
	w := &DirWriter{
		dir:        dir,
		intrinsics: intrinsics,
		encoder:    png.Encoder{CompressionLevel: png.BestSpeed, BufferPool: &pngBufferPool{}},
		images:     make(map[int]ManifestImage),
	}

	m, err := ReadManifest(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		for _, img := range m.Images {
			w.images[img.ID] = img
		}
		unicam.Logger().Info("asset: resuming dataset", "dir", dir, "frames", len(m.Images))
	}
	return w, nil
}

// Dir returns the output directory.
func (w *DirWriter) Dir() string { return w.dir }

// Done reports whether the frame of job id is listed in the manifest and
// its image exists.
func (w *DirWriter) Done(id int) bool {
	w.mu.Lock()
	img, ok := w.images[id]
	w.mu.Unlock()
	if !ok {
		return false
	}
	_, err := os.Stat(filepath.Join(w.dir, img.RGBImagePath))
	return err == nil
}

// WriteFrame encodes the frame. It is safe for concurrent use.
func (w *DirWriter) WriteFrame(ctx context.Context, job *unicam.RenderJob, frame *unicam.FrameBuffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := fmt.Sprintf("image_%d", job.ID)
	entry := ManifestImage{
		ID:           job.ID,
		RGBImagePath: base + ".png",
		Empty:        frame.Empty,
	}
	entry.CameraPos, entry.CameraForward, entry.CameraUp = cameraFrame(job.Pose)
	if g, ok := job.Meta.(GroundReferenced); ok {
		if p, ok := g.PositionAGL(); ok {
			entry.CameraPosAGL = &[3]float32{p.X, p.Y, p.Z}
		}
	}
	if in := job.Intrinsics; in != w.intrinsics {
		f := config.NewIntrinsicsFile(in)
		entry.Intrinsics = &f
	}

	err := writeFileAtomic(filepath.Join(w.dir, entry.RGBImagePath), func(out io.Writer) error {
		return w.encoder.Encode(out, frame.Image())
	})
	if err != nil {
		return err
	}
	if frame.Depth != nil {
		entry.DepthImagePath = base + ".bin"
		err := writeFileAtomic(filepath.Join(w.dir, entry.DepthImagePath), func(out io.Writer) error {
			return WriteDepth(out, frame.Depth)
		})
		if err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return unicam.ErrClosed
	}
	w.images[job.ID] = entry
	return nil
}

// Close writes the manifest with the frames sorted by ID. Further calls
// do nothing.
func (w *DirWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	m := Manifest{
		Images:     make([]ManifestImage, 0, len(w.images)),
		Intrinsics: config.NewIntrinsicsFile(w.intrinsics),
	}
	for _, img := range w.images {
		m.Images = append(m.Images, img)
	}
	slices.SortFunc(m.Images, func(a, b ManifestImage) int { return a.ID - b.ID })

	return writeFileAtomic(filepath.Join(w.dir, ManifestName), func(out io.Writer) error {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(&m)
	})
}

// SaveFrame writes a single frame as PNG. When depthPath is not empty the
// frame's depth is written there as well.
func SaveFrame(pngPath, depthPath string, frame *unicam.FrameBuffer) error {
	err := writeFileAtomic(pngPath, func(out io.Writer) error {
		return png.Encode(out, frame.Image())
	})
	if err != nil {
		return err
	}
	if depthPath == "" {
		return nil
	}
	if frame.Depth == nil {
		return fmt.Errorf("%w: frame %d has no depth", unicam.ErrConfig, frame.JobID)
	}
	return writeFileAtomic(depthPath, func(out io.Writer) error {
		return WriteDepth(out, frame.Depth)
	})
}

// cameraFrame returns the camera position, forward and up directions in
// world coordinates.
func cameraFrame(p unicam.Pose) (pos, forward, up [3]float32) {
	v := p.View()
	c := p.Position()
	pos = [3]float32{c.X, c.Y, c.Z}
	forward = [3]float32{-v.At(2, 0), -v.At(2, 1), -v.At(2, 2)}
	up = [3]float32{v.At(1, 0), v.At(1, 1), v.At(1, 2)}
	return pos, forward, up
}

// WriteDepth writes depth values as little-endian float32.
func WriteDepth(w io.Writer, depth []float32) error {
	buf := make([]byte, 4*1024)
	for len(depth) > 0 {
		n := min(len(depth), len(buf)/4)
		for i, d := range depth[:n] {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(d))
		}
		if _, err := w.Write(buf[:n*4]); err != nil {
			return err
		}
		depth = depth[n:]
	}
	return nil
}

// ReadDepth reads a depth file written by WriteDepth.
func ReadDepth(path string) ([]float32, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%w: read depth: %w", unicam.ErrIO, err)
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: depth file %s has %d bytes", unicam.ErrConfig, path, len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// writeFileAtomic writes through a temporary file in the same directory
// and renames it into place, so readers never see partial files.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", unicam.ErrIO, path, err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	bw := bufio.NewWriterSize(f, 256*1024)
	if err := write(bw); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %w", unicam.ErrIO, path, err)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %w", unicam.ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", unicam.ErrIO, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s: %w", unicam.ErrIO, path, err)
	}
	return nil
}

// pngBufferPool shares encoder buffers between concurrent WriteFrame calls.
type pngBufferPool struct {
	pool sync.Pool
}

func (p *pngBufferPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *pngBufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}

var _ unicam.FrameSink = (*DirWriter)(nil)

var _ GroundReferenced = config.PoseRecord{}
