package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/gogpu/unicam"
	"github.com/gogpu/unicam/asset"
	"github.com/gogpu/unicam/config"
)

type datasetOptions struct {
	overwrite bool
	inFlight  int
	limit     int
	grid      []float32
}

func newDatasetCmd(g *globalOptions) *cobra.Command {
	o := &datasetOptions{}
	cmd := &cobra.Command{
		Use:   "dataset MANIFEST",
		Short: "Render every pose of a dataset manifest",
		Long: `Render one frame per row of the pose table named in a YAML manifest.

Frames are written to the output directory as image_<id>.png (and
image_<id>.bin with float32 depth when depth is enabled), together with an
images.json manifest. Frames already listed in an existing images.json are
skipped unless --overwrite is given, so an interrupted run can be resumed.

Instead of a pose table the manifest may describe a grid of nadir cameras
over a square of the heightmap, at several heights above ground. --grid E,N
selects the square with south-west corner (E, N) from the command line.
Grid frames go to the subdirectory render_<E>_<N> of the output directory.
Pose tables may give heights above ground in a cam_agl column.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDataset(cmd, g, o, args[0])
		},
	}
	f := cmd.Flags()
	f.BoolVar(&o.overwrite, "overwrite", false, "re-render frames that already exist")
	f.IntVar(&o.inFlight, "in-flight", 0, "frames in flight (default: from the manifest)")
	f.IntVar(&o.limit, "limit", 0, "render at most N poses")
	f.Float32SliceVar(&o.grid, "grid", nil, "render the pose grid whose square starts at east,north")
	return cmd
}

func runDataset(cmd *cobra.Command, g *globalOptions, o *datasetOptions, path string) error {
	ds, err := config.LoadDataset(path)
	if err != nil {
		return err
	}
	in, err := config.LoadIntrinsics(ds.Intrinsics)
	if err != nil {
		return err
	}
	if ds.Width > 0 {
		in.Width, in.Height = ds.Width, ds.Height
	}
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("%w: no image size in %s or %s", unicam.ErrConfig, ds.Intrinsics, path)
	}
	if o.grid != nil {
		if len(o.grid) != 2 {
			return fmt.Errorf("%w: --grid needs 2 components, got %d", unicam.ErrConfig, len(o.grid))
		}
		grid := config.GridConfig{}
		if ds.Grid != nil {
			grid = *ds.Grid
		}
		grid.Origin = [2]float32{o.grid[0], o.grid[1]}
		ds.Grid, ds.Poses = &grid, ""
		if err := ds.Validate(); err != nil {
			return err
		}
	}
	output := ds.Output
	var records []config.PoseRecord
	if ds.Grid != nil {
		output = filepath.Join(output, ds.Grid.Dir())
		records, err = ds.Grid.Poses()
	} else {
		records, err = loadPoses(g, ds.Poses)
	}
	if err != nil {
		return err
	}
	if o.limit > 0 && len(records) > o.limit {
		records = records[:o.limit]
	}
	bg, err := ds.Color()
	if err != nil {
		return err
	}

	writer, err := asset.NewDirWriter(output, in)
	if err != nil {
		return err
	}
	defer func() { _ = writer.Close() }()

	todo := records[:0:0]
	for _, rec := range records {
		if o.overwrite || ds.Overwrite || !writer.Done(rec.Index) {
			todo = append(todo, rec)
		}
	}
	if len(todo) == 0 {
		g.logger.Info("nothing to render", "poses", len(records), "output", output)
		return writer.Close()
	}

	sc, err := loadScene(ds.Mesh, ds.Texture, ds.Sampler)
	if err != nil {
		return err
	}
	if err := sc.place(todo); err != nil {
		return err
	}
	jobs := make([]unicam.RenderJob, 0, len(todo))
	for _, rec := range todo {
		jobs = append(jobs, unicam.RenderJob{
			ID:         rec.Index,
			Intrinsics: rec.Override.Apply(in),
			Pose:       rec.Pose,
			Mesh:       sc.mesh,
			Texture:    sc.texture,
			Meta:       rec,
		})
	}

	backend, err := g.openBackend(ds.Backend)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	inFlight := ds.InFlight
	if o.inFlight > 0 {
		inFlight = o.inFlight
	}
	errw := cmd.ErrOrStderr()
	bar := newProgressBar(errw, len(jobs), isTerminal(errw))
	r, err := unicam.NewBatchRenderer(backend, unicam.BatchOptions{
		InFlight:   inFlight,
		ClearColor: bg,
		Depth:      ds.Depth,
		Sink: unicam.SinkFunc(func(ctx context.Context, job *unicam.RenderJob, frame *unicam.FrameBuffer) error {
			defer func() { _ = bar.Add(1) }()
			return writer.WriteFrame(ctx, job, frame)
		}),
	})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	g.logger.Info("rendering dataset", "jobs", len(jobs), "skipped", len(records)-len(jobs),
		"backend", backend.Name(), "in_flight", r.Options().InFlight, "output", output)
	stats, runErr := r.Run(ctx, slices.Values(jobs))
	_ = bar.Finish()

	// The manifest is written even when the run was interrupted, so that the
	// frames written so far are not rendered again.
	closeErr := writer.Close()
	if stats.Submitted > 0 {
		rate := float64(stats.Rendered+stats.Empty) / max(stats.Elapsed.Seconds(), 1e-9)
		g.logger.Info("dataset written",
			"rendered", stats.Rendered, "empty", stats.Empty, "failed", stats.Failed,
			"elapsed", stats.Elapsed.Round(time.Millisecond), "fps", fmt.Sprintf("%.1f", rate))
	}
	return errors.Join(runErr, closeErr)
}

// loadPoses reads the pose table, logging and skipping malformed rows.
func loadPoses(g *globalOptions, path string) ([]config.PoseRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open pose table: %w", unicam.ErrIO, err)
	}
	defer func() { _ = f.Close() }()

	records, skipped, err := config.ReadPoses(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, e := range skipped {
		g.logger.Warn("pose skipped", "file", path, "err", e)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no valid poses", unicam.ErrConfig, path)
	}
	return records, nil
}

func newProgressBar(w io.Writer, n int, visible bool) *progressbar.ProgressBar {
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("rendering"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetVisibility(visible),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(w) }),
	)
}
