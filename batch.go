package unicam

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultInFlight is the default number of frames with GPU work outstanding.
const DefaultInFlight = 2

// defaultSceneCache is the default number of resident scenes kept per run.
const defaultSceneCache = 4

// BatchOptions configures a BatchRenderer. The zero value is usable.
type BatchOptions struct {
	// InFlight bounds the number of jobs whose GPU work is outstanding and
	// therefore the number of frame slots (render targets plus staging
	// memory). Default DefaultInFlight.
	InFlight int

	// ClearColor fills the background and empty frames. The zero value
	// means opaque black.
	ClearColor Color

	// Depth requests depth readback into FrameBuffer.Depth.
	Depth bool

	// Sink receives frames of jobs that have no sink of their own.
	Sink FrameSink

	// SceneCache bounds the number of distinct mesh/texture pairs kept
	// resident during a run. Scenes in use by in-flight jobs are never
	// evicted. Default 4.
	SceneCache int

	// OnJobError is called for every per-job failure, including jobs that
	// produced an empty frame. It may be called from several goroutines.
	OnJobError func(*JobError)
}

// Stats summarizes a batch run.
type Stats struct {
	// Submitted counts jobs taken from the sequence.
	Submitted int
	// Rendered counts frames with content handed to a sink.
	Rendered int
	// Empty counts clear-color frames handed to a sink.
	Empty int
	// Failed counts jobs that produced no frame.
	Failed int
	// PeakInFlight is the largest number of slots held at once.
	PeakInFlight int
	// Elapsed is the wall time of the run.
	Elapsed time.Duration
}

// BatchRenderer drives sequences of render jobs through a Backend with a
// bounded number of frames in flight.
//
// Submission of a job blocks only when every frame slot is in flight. A
// completion goroutine waits for fences in submission order, reads frames
// back and recycles slots, while sinks encode and write finished frames
// concurrently.
//
// Per-job failures are reported through OnJobError and never stop a run.
// Fatal errors (see IsFatal) stop submission; jobs already in flight are
// completed and delivered before Run returns.
type BatchRenderer struct {
	backend Backend
	opts    BatchOptions
	pool    *slotPool
	scenes  *sceneCache

	mu     sync.Mutex // serializes runs
	closed bool
}

// NewBatchRenderer creates a renderer on top of b. The backend stays owned
// by the caller.
func NewBatchRenderer(b Backend, opts BatchOptions) (*BatchRenderer, error) {
	if b == nil {
		return nil, errors.New("unicam: backend must not be nil")
	}
	if opts.InFlight < 0 || opts.SceneCache < 0 {
		return nil, configErrorf("negative batch option (in-flight %d, scene cache %d)", opts.InFlight, opts.SceneCache)
	}
	if opts.InFlight == 0 {
		opts.InFlight = DefaultInFlight
	}
	if opts.SceneCache == 0 {
		opts.SceneCache = defaultSceneCache
	}
	if opts.ClearColor == (Color{}) {
		opts.ClearColor = Black
	}
	return &BatchRenderer{
		backend: b,
		opts:    opts,
		pool:    newSlotPool(b, opts.InFlight),
		scenes:  newSceneCache(b, opts.SceneCache),
	}, nil
}

// Options returns the effective options.
func (r *BatchRenderer) Options() BatchOptions {
	return r.opts
}

// PoolSize returns the number of frame slots allocated and the peak number
// held at once. Neither exceeds Options().InFlight.
func (r *BatchRenderer) PoolSize() (created, peak int) {
	return r.pool.size()
}

// Close releases the frame slots. The backend is not closed.
func (r *BatchRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.pool.close()
	return nil
}

// Run renders every job of the sequence. ctx is checked between jobs; once
// it is done no further job is submitted, jobs in flight complete, and Run
// returns ctx.Err().
func (r *BatchRenderer) Run(ctx context.Context, jobs iter.Seq[RenderJob]) (Stats, error) {
	return r.run(ctx, jobs, nil)
}

// Render renders a single job and returns its frame. Camera configurations
// that cannot be rendered return an empty frame together with the job error.
func (r *BatchRenderer) Render(ctx context.Context, job RenderJob) (*FrameBuffer, error) {
	var frame *FrameBuffer
	var jobErr error
	job.Sink = SinkFunc(func(_ context.Context, _ *RenderJob, f *FrameBuffer) error {
		frame = f
		return nil
	})
	single := func(yield func(RenderJob) bool) { yield(job) }
	_, err := r.run(ctx, single, func(e *JobError) { jobErr = e })
	if err != nil {
		return nil, err
	}
	return frame, jobErr
}

func (r *BatchRenderer) run(ctx context.Context, jobs iter.Seq[RenderJob], onErr func(*JobError)) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Stats{}, ErrClosed
	}

	br := &batchRun{
		r:       r,
		sinkCtx: context.WithoutCancel(ctx),
		onErr:   onErr,
		start:   time.Now(),
	}
	defer r.scenes.purge()

	pending := make(chan *inflight, r.opts.InFlight)
	var sinks errgroup.Group
	sinks.SetLimit(r.opts.InFlight)

	completed := make(chan struct{})
	go func() {
		defer close(completed)
		br.complete(pending, &sinks)
	}()

	var runErr error
	for job := range jobs {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if br.fatalErr() != nil {
			break
		}
		br.count(func(s *Stats) { s.Submitted++ })

		f, err := br.submit(ctx, &job)
		if err != nil {
			if IsFatal(err) {
				br.setFatal(err)
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				runErr = ctxErr
				br.fail(&job, err)
				break
			}
			br.fail(&job, err)
			continue
		}
		pending <- f
	}
	close(pending)
	<-completed
	_ = sinks.Wait()

	if err := br.fatalErr(); err != nil {
		runErr = err
	}
	stats := br.result()
	_, stats.PeakInFlight = r.pool.size()
	Logger().Info("batch finished",
		"submitted", stats.Submitted,
		"rendered", stats.Rendered,
		"empty", stats.Empty,
		"failed", stats.Failed,
		"elapsed", stats.Elapsed)
	return stats, runErr
}

// inflight is a job between submission and delivery. Jobs that render
// carry a slot and a fence; empty jobs carry a ready frame and their error.
type inflight struct {
	job      *RenderJob
	width    int
	height   int
	slot     FrameSlot
	sceneKey sceneKey
	fence    Fence
	frame    *FrameBuffer
	err      error
}

type batchRun struct {
	r       *BatchRenderer
	sinkCtx context.Context
	onErr   func(*JobError)
	start   time.Time

	mu    sync.Mutex
	stats Stats
	fatal error
}

func (b *batchRun) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

func (b *batchRun) result() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Elapsed = time.Since(b.start)
	return s
}

func (b *batchRun) setFatal(err error) {
	b.mu.Lock()
	if b.fatal == nil {
		b.fatal = err
	}
	b.mu.Unlock()
	Logger().Error("batch aborted", "err", err)
}

func (b *batchRun) fatalErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

// report logs and forwards a per-job error.
func (b *batchRun) report(job *RenderJob, err error) {
	je := &JobError{JobID: job.ID, Err: err}
	Logger().Warn("render job failed", "job", job.ID, "err", err)
	if cb := b.r.opts.OnJobError; cb != nil {
		cb(je)
	}
	if b.onErr != nil {
		b.onErr(je)
	}
}

// fail reports a job that produced no frame.
func (b *batchRun) fail(job *RenderJob, err error) {
	b.count(func(s *Stats) { s.Failed++ })
	b.report(job, err)
}

// submit validates a job and, when it can be drawn, acquires a slot and
// submits its GPU work.
func (b *batchRun) submit(ctx context.Context, job *RenderJob) (*inflight, error) {
	if err := job.validateScene(); err != nil {
		return nil, err
	}
	w, h := job.Size()
	f := &inflight{job: job, width: w, height: h}

	if err := job.validateCamera(); err != nil {
		b.empty(f, err)
		return f, nil
	}
	if job.Intrinsics.Degenerate(job.Pose.View(), job.Mesh) {
		b.empty(f, fmt.Errorf("%w: no vertex in front of the image plane", ErrDegenerateProjection))
		return f, nil
	}

	key := sceneKey{mesh: job.Mesh, tex: job.Texture}
	scene, err := b.r.scenes.acquire(key)
	if err != nil {
		return nil, err
	}
	slot, err := b.r.pool.acquire(ctx)
	if err != nil {
		b.r.scenes.release(key)
		return nil, err
	}

	fence, err := b.draw(slot, scene, job, w, h)
	if err != nil {
		b.r.pool.release(slot)
		b.r.scenes.release(key)
		return nil, err
	}
	f.slot = slot
	f.sceneKey = key
	f.fence = fence
	Logger().Debug("job submitted", "job", job.ID, "size", fmt.Sprintf("%dx%d", w, h))
	return f, nil
}

func (b *batchRun) draw(slot FrameSlot, scene Scene, job *RenderJob, w, h int) (Fence, error) {
	if err := slot.Resize(w, h, b.r.opts.Depth); err != nil {
		return nil, err
	}
	if err := slot.Bind(scene); err != nil {
		return nil, err
	}
	if err := slot.UpdateCamera(NewCameraUniform(job.Intrinsics, job.Pose, w, h)); err != nil {
		return nil, err
	}
	return slot.Draw(b.r.opts.ClearColor)
}

// empty turns f into a clear-color frame carrying err.
func (b *batchRun) empty(f *inflight, err error) {
	frame := NewFrameBuffer(f.job.ID, f.width, f.height, b.r.opts.Depth)
	frame.Fill(b.r.opts.ClearColor)
	frame.Empty = true
	f.frame = frame
	f.err = err
}

// complete waits for each submitted job in order, reads its frame back,
// recycles the slot and schedules delivery.
func (b *batchRun) complete(pending <-chan *inflight, sinks *errgroup.Group) {
	for f := range pending {
		if f.slot != nil {
			<-f.fence.Done()
			err := f.fence.Err()
			if err == nil {
				frame := NewFrameBuffer(f.job.ID, f.width, f.height, b.r.opts.Depth)
				if err = f.slot.Readback(frame); err == nil {
					f.frame = frame
				}
			}
			b.r.pool.release(f.slot)
			b.r.scenes.release(f.sceneKey)
			f.slot = nil
			if err != nil {
				if IsFatal(err) {
					b.setFatal(err)
				}
				b.fail(f.job, err)
				continue
			}
		}
		sinks.Go(func() error {
			b.deliver(f)
			return nil
		})
	}
}

// deliver hands a finished frame to its sink.
// A job whose empty frame also fails to write is reported once, with both
// errors joined.
func (b *batchRun) deliver(f *inflight) {
	sink := f.job.Sink
	if sink == nil {
		sink = b.r.opts.Sink
	}
	if sink != nil {
		if err := sink.WriteFrame(b.sinkCtx, f.job, f.frame); err != nil {
			if !errors.Is(err, ErrIO) {
				err = fmt.Errorf("%w: %w", ErrIO, err)
			}
			b.fail(f.job, errors.Join(f.err, err))
			return
		}
	}
	if f.err != nil {
		b.report(f.job, f.err)
	}
	b.count(func(s *Stats) {
		if f.frame.Empty {
			s.Empty++
		} else {
			s.Rendered++
		}
	})
}

type sceneKey struct {
	mesh *Mesh
	tex  *Texture
}

type sceneEntry struct {
	scene   Scene
	refs    int
	lastUse uint64
}

// sceneCache keeps uploaded scenes resident, keyed by mesh and texture
// identity. Idle scenes are evicted least recently used first.
type sceneCache struct {
	backend Backend
	limit   int

	mu      sync.Mutex
	entries map[sceneKey]*sceneEntry
	clock   uint64
}

func newSceneCache(b Backend, limit int) *sceneCache {
	return &sceneCache{
		backend: b,
		limit:   limit,
		entries: make(map[sceneKey]*sceneEntry),
	}
}

func (c *sceneCache) acquire(key sceneKey) (Scene, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	if e, ok := c.entries[key]; ok {
		e.refs++
		e.lastUse = c.clock
		return e.scene, nil
	}
	for len(c.entries) >= c.limit && c.evictLocked() {
	}
	s, err := c.backend.Upload(key.mesh, key.tex)
	if err != nil {
		return nil, err
	}
	c.entries[key] = &sceneEntry{scene: s, refs: 1, lastUse: c.clock}
	Logger().Debug("scene uploaded", "mesh", key.mesh.Name, "texture", key.tex.Name,
		"vertices", len(key.mesh.Vertices), "triangles", key.mesh.TriangleCount())
	return s, nil
}

// evictLocked releases the least recently used idle scene. It reports false
// when every scene is in use.
func (c *sceneCache) evictLocked() bool {
	var victim sceneKey
	var best *sceneEntry
	for k, e := range c.entries {
		if e.refs == 0 && (best == nil || e.lastUse < best.lastUse) {
			victim, best = k, e
		}
	}
	if best == nil {
		return false
	}
	best.scene.Release()
	delete(c.entries, victim)
	return true
}

func (c *sceneCache) release(key sceneKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.refs--
	}
}

// purge releases every scene. No scene may be in use.
func (c *sceneCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		e.scene.Release()
		delete(c.entries, k)
	}
}

func (c *sceneCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
