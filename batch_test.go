package unicam

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"slices"
	"sync"
	"testing"
	"time"
)

// collectSink stores frames by job ID.
type collectSink struct {
	mu     sync.Mutex
	frames map[int]*FrameBuffer
}

func newCollectSink() *collectSink {
	return &collectSink{frames: make(map[int]*FrameBuffer)}
}

func (s *collectSink) WriteFrame(_ context.Context, job *RenderJob, f *FrameBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[job.ID] = f
	return nil
}

func (s *collectSink) get(id int) *FrameBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[id]
}

// errorLog records job errors.
type errorLog struct {
	mu   sync.Mutex
	errs []*JobError
}

func (l *errorLog) add(e *JobError) {
	l.mu.Lock()
	l.errs = append(l.errs, e)
	l.mu.Unlock()
}

func (l *errorLog) list() []*JobError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.errs)
}

func newSoftwareRenderer(t *testing.T, opts BatchOptions) *BatchRenderer {
	t.Helper()
	b := NewSoftwareBackend(2)
	t.Cleanup(func() { _ = b.Close() })
	r, err := NewBatchRenderer(b, opts)
	if err != nil {
		t.Fatalf("NewBatchRenderer() error: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func smallCamera() Intrinsics {
	return Intrinsics{Fx: 50, Fy: 50, Cx: 32, Cy: 24, Width: 64, Height: 48}
}

func TestRenderQuadSoftware(t *testing.T) {
	r := newSoftwareRenderer(t, BatchOptions{Depth: true})
	red := color.RGBA{255, 0, 0, 255}

	frame, err := r.Render(context.Background(), RenderJob{
		ID:         7,
		Intrinsics: smallCamera(),
		Pose:       IdentityPose(),
		Mesh:       quadMesh(-5),
		Texture:    solidTexture(red, 4),
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if frame.JobID != 7 || frame.Width != 64 || frame.Height != 48 || frame.Empty {
		t.Fatalf("frame = id %d %dx%d empty=%v", frame.JobID, frame.Width, frame.Height, frame.Empty)
	}
	if got := frame.RGBAAt(32, 24); got != red {
		t.Errorf("center pixel = %v, want %v", got, red)
	}
	if got := frame.RGBAAt(0, 0); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("corner pixel = %v, want clear color", got)
	}
	// Depth is interpolated linearly between the corners, which all lie
	// sqrt(33) units from the camera.
	if d, want := frame.Depth[24*64+32], float32(5.7445626)*DepthScale; !approx(d, want, 1e-9) {
		t.Errorf("center depth = %g, want %g", d, want)
	}
	if d := frame.Depth[0]; d != 1 {
		t.Errorf("background depth = %g, want 1", d)
	}
}

func TestRenderTextureOrientation(t *testing.T) {
	r := newSoftwareRenderer(t, BatchOptions{})
	frame, err := r.Render(context.Background(), RenderJob{
		Intrinsics: smallCamera(),
		Pose:       IdentityPose(),
		Mesh:       quadMesh(-5),
		Texture:    quadrantTexture(),
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	// World +y maps to increasing image rows.
	tests := []struct {
		x, y int
		want color.RGBA
	}{
		{15, 40, color.RGBA{255, 0, 0, 255}},
		{48, 40, color.RGBA{0, 255, 0, 255}},
		{15, 8, color.RGBA{0, 0, 255, 255}},
		{48, 8, color.RGBA{255, 255, 0, 255}},
	}
	for _, tt := range tests {
		if got := frame.RGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("pixel (%d, %d) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestDepthTestKeepsNearestSurface(t *testing.T) {
	near := quadMesh(-4)
	far := quadMesh(-8)
	// Far quad first so the near one must win the depth test.
	mesh := &Mesh{Name: "stack"}
	for _, m := range []*Mesh{far, near} {
		base := uint32(len(mesh.Vertices))
		mesh.Vertices = append(mesh.Vertices, m.Vertices...)
		for _, idx := range m.Indices {
			mesh.Indices = append(mesh.Indices, base+idx)
		}
	}
	// The far quad samples the yellow texel, the near one the red texel.
	for i := 0; i < 4; i++ {
		mesh.Vertices[i].TexCoord = Vec2{0.9, 0.9}
	}
	for i := 4; i < 8; i++ {
		mesh.Vertices[i].TexCoord = Vec2{0.1, 0.1}
	}
	r := newSoftwareRenderer(t, BatchOptions{})
	frame, err := r.Render(context.Background(), RenderJob{
		Intrinsics: smallCamera(),
		Pose:       IdentityPose(),
		Mesh:       mesh,
		Texture:    quadrantTexture(),
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	got := frame.RGBAAt(32, 24)
	if got.R != 255 || got.G != 0 {
		t.Errorf("center pixel = %v, want the near quad's red texel", got)
	}
}

func TestBatchReverseOrderIdentical(t *testing.T) {
	tex := quadrantTexture()
	mesh := quadMesh(0)
	var jobs []RenderJob
	eyes := []Vec3{{0, 0, 8}, {1, 0, 8}, {-1, 2, 6}, {3, -1, 9}, {0.5, 0.5, 4}}
	xis := []float32{0, 0.3, 0.6, 0.9, 1}
	for i, eye := range eyes {
		pose, err := LookAt(eye, eye.Mul(-1), Vec3{0, 1, 0})
		if err != nil {
			t.Fatalf("LookAt(%v) error: %v", eye, err)
		}
		in := smallCamera()
		in.Xi = xis[i]
		jobs = append(jobs, RenderJob{ID: i, Intrinsics: in, Pose: pose, Mesh: mesh, Texture: tex})
	}

	forward := newCollectSink()
	r := newSoftwareRenderer(t, BatchOptions{InFlight: 3, Sink: forward})
	stats, err := r.Run(context.Background(), slices.Values(jobs))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Rendered != 5 || stats.Submitted != 5 {
		t.Fatalf("stats = %+v, want 5 rendered", stats)
	}

	reversed := slices.Clone(jobs)
	slices.Reverse(reversed)
	backward := newCollectSink()
	r2 := newSoftwareRenderer(t, BatchOptions{InFlight: 2, Sink: backward})
	if _, err := r2.Run(context.Background(), slices.Values(reversed)); err != nil {
		t.Fatalf("Run(reversed) error: %v", err)
	}

	for i := range jobs {
		a, b := forward.get(i), backward.get(i)
		if a == nil || b == nil {
			t.Fatalf("job %d missing a frame", i)
		}
		if !bytes.Equal(a.Pix, b.Pix) {
			t.Errorf("job %d differs between forward and reverse runs", i)
		}
	}
	if bytes.Equal(forward.get(0).Pix, forward.get(3).Pix) {
		t.Error("jobs with different poses produced identical frames")
	}
}

func TestBatchNoNaNDepth(t *testing.T) {
	// A mesh that straddles the camera center with xi = 1: many vertices
	// have norm <= 0 and must be clipped away.
	mesh := &Mesh{
		Name: "straddle",
		Vertices: []Vertex{
			{Position: Vec3{-3, -3, 3}},
			{Position: Vec3{3, -3, -3}},
			{Position: Vec3{0, 3, 0}},
			{Position: Vec3{0, 0, 0}},
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3, 1, 2, 3},
	}
	in := smallCamera()
	in.Xi = 1
	r := newSoftwareRenderer(t, BatchOptions{Depth: true})
	frame, err := r.Render(context.Background(), RenderJob{
		Intrinsics: in, Pose: IdentityPose(), Mesh: mesh,
		Texture: solidTexture(color.RGBA{9, 9, 9, 255}, 1),
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	for i, d := range frame.Depth {
		if d != d || d < 0 || d > 1 {
			t.Fatalf("depth[%d] = %g, want a value in [0, 1]", i, d)
		}
	}
}

func TestBatchDegenerateYieldsEmptyFrame(t *testing.T) {
	var log errorLog
	sink := newCollectSink()
	clear := Color{R: 0.1, G: 0.2, B: 0.3, A: 1}
	r := newSoftwareRenderer(t, BatchOptions{Sink: sink, ClearColor: clear, OnJobError: log.add})

	jobs := []RenderJob{
		{ID: 0, Intrinsics: smallCamera(), Pose: IdentityPose(), Mesh: quadMesh(5), Texture: quadrantTexture()},
		{ID: 1, Intrinsics: Intrinsics{Fx: -1, Fy: 1, Cx: 1, Cy: 1}, Width: 8, Height: 8,
			Pose: IdentityPose(), Mesh: quadMesh(-5), Texture: quadrantTexture()},
		{ID: 2, Intrinsics: smallCamera(), Mesh: quadMesh(-5), Texture: quadrantTexture()},
		{ID: 3, Intrinsics: smallCamera(), Pose: IdentityPose(), Mesh: quadMesh(-5), Texture: quadrantTexture()},
	}
	stats, err := r.Run(context.Background(), slices.Values(jobs))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Empty != 3 || stats.Rendered != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 3 empty, 1 rendered", stats)
	}

	want := clear.RGBA8()
	for id := 0; id < 3; id++ {
		f := sink.get(id)
		if f == nil || !f.Empty {
			t.Fatalf("job %d: want an empty frame, got %+v", id, f)
		}
		if got := f.RGBAAt(0, 0); got != (color.RGBA{want[0], want[1], want[2], want[3]}) {
			t.Errorf("job %d: pixel = %v, want clear color", id, got)
		}
	}

	errs := log.list()
	if len(errs) != 3 {
		t.Fatalf("got %d job errors, want 3", len(errs))
	}
	kinds := map[int]error{0: ErrDegenerateProjection, 1: ErrConfig, 2: ErrConfig}
	for _, e := range errs {
		if !errors.Is(e, kinds[e.JobID]) {
			t.Errorf("job %d error %v, want %v", e.JobID, e.Err, kinds[e.JobID])
		}
	}
}

func TestBatchSkipsInvalidScene(t *testing.T) {
	var log errorLog
	sink := newCollectSink()
	r := newSoftwareRenderer(t, BatchOptions{Sink: sink, OnJobError: log.add})
	jobs := []RenderJob{
		{ID: 0, Intrinsics: smallCamera(), Pose: IdentityPose(), Texture: quadrantTexture()},
		{ID: 1, Intrinsics: smallCamera(), Pose: IdentityPose(), Mesh: &Mesh{Vertices: []Vertex{{}}, Indices: []uint32{0, 1, 2}}, Texture: quadrantTexture()},
		{ID: 2, Intrinsics: Intrinsics{Fx: 1, Fy: 1, Cx: 1, Cy: 1}, Pose: IdentityPose(), Mesh: quadMesh(-5), Texture: quadrantTexture()},
		{ID: 3, Intrinsics: smallCamera(), Pose: IdentityPose(), Mesh: quadMesh(-5), Texture: quadrantTexture()},
	}
	stats, err := r.Run(context.Background(), slices.Values(jobs))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Failed != 3 || stats.Rendered != 1 {
		t.Errorf("stats = %+v, want 3 failed, 1 rendered", stats)
	}
	for id := 0; id < 3; id++ {
		if sink.get(id) != nil {
			t.Errorf("job %d produced a frame", id)
		}
	}
	for _, e := range log.list() {
		if !errors.Is(e, ErrConfig) || IsFatal(e) {
			t.Errorf("job %d error %v, want non-fatal ErrConfig", e.JobID, e)
		}
	}
}

func TestBatchSinkErrorIsIOError(t *testing.T) {
	var log errorLog
	boom := errors.New("disk full")
	sink := SinkFunc(func(context.Context, *RenderJob, *FrameBuffer) error { return boom })
	r := newSoftwareRenderer(t, BatchOptions{Sink: sink, OnJobError: log.add})
	job := RenderJob{Intrinsics: smallCamera(), Pose: IdentityPose(), Mesh: quadMesh(-5), Texture: quadrantTexture()}

	stats, err := r.Run(context.Background(), slices.Values([]RenderJob{job, job}))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Failed != 2 {
		t.Errorf("Failed = %d, want 2", stats.Failed)
	}
	for _, e := range log.list() {
		if !errors.Is(e, ErrIO) || !errors.Is(e, boom) {
			t.Errorf("error %v should wrap ErrIO and the sink error", e)
		}
	}
}

func TestBatchEmptyFrameSinkErrorReportedOnce(t *testing.T) {
	var log errorLog
	boom := errors.New("disk full")
	sink := SinkFunc(func(context.Context, *RenderJob, *FrameBuffer) error { return boom })
	r := newSoftwareRenderer(t, BatchOptions{Sink: sink, OnJobError: log.add})
	job := RenderJob{ID: 7, Intrinsics: smallCamera(), Pose: IdentityPose(), Mesh: quadMesh(5), Texture: quadrantTexture()}

	stats, err := r.Run(context.Background(), slices.Values([]RenderJob{job}))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Failed != 1 || stats.Empty != 0 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	errs := log.list()
	if len(errs) != 1 {
		t.Fatalf("got %d job errors, want 1", len(errs))
	}
	e := errs[0]
	if e.JobID != 7 || !errors.Is(e, ErrDegenerateProjection) || !errors.Is(e, ErrIO) || !errors.Is(e, boom) {
		t.Errorf("error %v should join the projection and sink errors", e)
	}
}

func TestBatchCancelBetweenJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	delivered := 0
	sink := SinkFunc(func(context.Context, *RenderJob, *FrameBuffer) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	r := newSoftwareRenderer(t, BatchOptions{Sink: sink, InFlight: 1})

	job := RenderJob{Intrinsics: smallCamera(), Pose: IdentityPose(), Mesh: quadMesh(-5), Texture: quadrantTexture()}
	jobs := func(yield func(RenderJob) bool) {
		for i := 0; i < 100; i++ {
			if i == 3 {
				cancel()
			}
			job.ID = i
			if !yield(job) {
				return
			}
		}
	}
	stats, err := r.Run(ctx, jobs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != 3 || stats.Rendered != 3 {
		t.Errorf("delivered %d frames (stats %+v), want the 3 jobs submitted before cancel", delivered, stats)
	}
}

func TestNewBatchRendererDefaults(t *testing.T) {
	r := newSoftwareRenderer(t, BatchOptions{})
	opts := r.Options()
	if opts.InFlight != DefaultInFlight {
		t.Errorf("InFlight = %d, want %d", opts.InFlight, DefaultInFlight)
	}
	if opts.ClearColor != Black {
		t.Errorf("ClearColor = %v, want Black", opts.ClearColor)
	}
	if _, err := NewBatchRenderer(NewSoftwareBackend(1), BatchOptions{InFlight: -1}); !errors.Is(err, ErrConfig) {
		t.Errorf("negative InFlight error = %v, want ErrConfig", err)
	}
	if _, err := NewBatchRenderer(nil, BatchOptions{}); err == nil {
		t.Error("nil backend accepted")
	}
}

func TestBatchClosed(t *testing.T) {
	r := newSoftwareRenderer(t, BatchOptions{})
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := r.Run(context.Background(), slices.Values([]RenderJob{{}})); !errors.Is(err, ErrClosed) {
		t.Errorf("Run after Close error = %v, want ErrClosed", err)
	}
}

// fakeBackend records resource usage and completes fences asynchronously.
type fakeBackend struct {
	mu             sync.Mutex
	slots          int
	outstanding    int
	maxOutstanding int
	draws          int
	uploads        int
	released       int
	loseAtDraw     int // 1-based draw number whose fence fails; 0 never
	delay          time.Duration
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Upload(*Mesh, *Texture) (Scene, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads++
	return &fakeScene{b: b}, nil
}

func (b *fakeBackend) NewSlot() (FrameSlot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots++
	return &fakeSlot{b: b}, nil
}

func (b *fakeBackend) Close() error { return nil }

type fakeScene struct{ b *fakeBackend }

func (s *fakeScene) Release() {
	s.b.mu.Lock()
	s.b.released++
	s.b.mu.Unlock()
}

type fakeSlot struct {
	b    *fakeBackend
	w, h int
}

func (s *fakeSlot) Resize(w, h int, _ bool) error   { s.w, s.h = w, h; return nil }
func (s *fakeSlot) Bind(Scene) error                { return nil }
func (s *fakeSlot) UpdateCamera(CameraUniform) error { return nil }
func (s *fakeSlot) Readback(*FrameBuffer) error     { return nil }
func (s *fakeSlot) Release()                        {}

func (s *fakeSlot) Draw(Color) (Fence, error) {
	b := s.b
	b.mu.Lock()
	b.draws++
	b.outstanding++
	b.maxOutstanding = max(b.maxOutstanding, b.outstanding)
	var err error
	if b.loseAtDraw != 0 && b.draws == b.loseAtDraw {
		err = ErrDeviceLost
	}
	b.mu.Unlock()

	f := &fakeFence{done: make(chan struct{}), err: err}
	go func() {
		time.Sleep(b.delay)
		b.mu.Lock()
		b.outstanding--
		b.mu.Unlock()
		close(f.done)
	}()
	return f, nil
}

type fakeFence struct {
	done chan struct{}
	err  error
}

func (f *fakeFence) Done() <-chan struct{} { return f.done }
func (f *fakeFence) Err() error            { return f.err }

func manyJobs(n int) []RenderJob {
	mesh := quadMesh(-5)
	tex := quadrantTexture()
	jobs := make([]RenderJob, n)
	for i := range jobs {
		jobs[i] = RenderJob{ID: i, Intrinsics: smallCamera(), Pose: IdentityPose(), Mesh: mesh, Texture: tex}
	}
	return jobs
}

func TestSlotPoolBoundedByInFlight(t *testing.T) {
	fb := &fakeBackend{delay: time.Millisecond}
	r, err := NewBatchRenderer(fb, BatchOptions{InFlight: 3})
	if err != nil {
		t.Fatalf("NewBatchRenderer() error: %v", err)
	}
	defer r.Close()

	stats, err := r.Run(context.Background(), slices.Values(manyJobs(200)))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Rendered != 200 {
		t.Errorf("Rendered = %d, want 200", stats.Rendered)
	}
	created, peak := r.PoolSize()
	if created > 3 || peak > 3 || stats.PeakInFlight > 3 {
		t.Errorf("pool created %d slots, peak %d, want at most 3", created, peak)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.slots > 3 {
		t.Errorf("backend allocated %d slots, want at most 3", fb.slots)
	}
	if fb.maxOutstanding > 3 {
		t.Errorf("%d fences outstanding at once, want at most 3", fb.maxOutstanding)
	}
	if fb.uploads != 1 || fb.released != 1 {
		t.Errorf("scene uploads %d, releases %d, want 1 and 1", fb.uploads, fb.released)
	}
}

func TestBatchDeviceLostIsFatal(t *testing.T) {
	fb := &fakeBackend{loseAtDraw: 4}
	var delivered sync.Map
	r, err := NewBatchRenderer(fb, BatchOptions{
		InFlight: 2,
		Sink: SinkFunc(func(_ context.Context, j *RenderJob, _ *FrameBuffer) error {
			delivered.Store(j.ID, true)
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("NewBatchRenderer() error: %v", err)
	}
	defer r.Close()

	_, err = r.Run(context.Background(), slices.Values(manyJobs(1000)))
	if !errors.Is(err, ErrDeviceLost) || !IsFatal(err) {
		t.Fatalf("Run() error = %v, want fatal ErrDeviceLost", err)
	}
	if _, ok := delivered.Load(3); ok {
		t.Error("frame of the failed job was delivered")
	}
	if _, ok := delivered.Load(0); !ok {
		t.Error("frame of a job completed before the failure was not delivered")
	}
	fb.mu.Lock()
	draws := fb.draws
	fb.mu.Unlock()
	if draws >= 1000 {
		t.Errorf("batch kept submitting after device loss (%d draws)", draws)
	}
}

func TestSceneCacheEvictsIdleScenes(t *testing.T) {
	fb := &fakeBackend{}
	r, err := NewBatchRenderer(fb, BatchOptions{InFlight: 1, SceneCache: 1})
	if err != nil {
		t.Fatalf("NewBatchRenderer() error: %v", err)
	}
	defer r.Close()

	tex := quadrantTexture()
	meshes := []*Mesh{quadMesh(-5), quadMesh(-6), quadMesh(-7)}
	var jobs []RenderJob
	for i := 0; i < 9; i++ {
		jobs = append(jobs, RenderJob{ID: i, Intrinsics: smallCamera(), Pose: IdentityPose(),
			Mesh: meshes[i/3], Texture: tex})
	}
	if _, err := r.Run(context.Background(), slices.Values(jobs)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.uploads != 3 {
		t.Errorf("uploads = %d, want 3", fb.uploads)
	}
	if fb.released != 3 {
		t.Errorf("released = %d, want 3", fb.released)
	}
	if n := r.scenes.len(); n != 0 {
		t.Errorf("%d scenes resident after Run, want 0", n)
	}
}
