package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/unicam"
	"github.com/gogpu/unicam/asset"
	"github.com/gogpu/unicam/config"
)

type frameOptions struct {
	intrinsics string
	mesh       config.MeshSource
	origin     []float32
	texture    string
	sampler    config.SamplerConfig
	noMipmaps  bool

	pos, forward, up []float32
	agl              float32
	xi               float32
	width, height    int
	clear            []float32

	out, depthOut string
}

func newFrameCmd(g *globalOptions) *cobra.Command {
	o := &frameOptions{}
	cmd := &cobra.Command{
		Use:   "frame",
		Short: "Render a single frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFrame(cmd, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.intrinsics, "intrinsics", "camera_params.toml", "camera parameter file (TOML)")
	f.StringVar(&o.mesh.OBJ, "obj", "", "mesh file (Wavefront OBJ)")
	f.StringVar(&o.mesh.Heightmap, "heightmap", "", "terrain heightmap image, instead of --obj")
	f.Float32Var(&o.mesh.CellSize, "cell-size", 1, "heightmap pixel spacing")
	f.Float32Var(&o.mesh.HeightScale, "height-scale", 1, "height per 16-bit heightmap unit")
	f.Float32Var(&o.mesh.HeightOffset, "height-offset", 0, "height of heightmap value 0")
	f.IntVar(&o.mesh.Resolution, "resolution", 0, "resample the heightmap to NxN samples")
	f.Float32SliceVar(&o.origin, "origin", []float32{0, 0, 0}, "south-west corner of the heightmap")
	f.StringVar(&o.texture, "texture", "", "texture image")
	f.StringVar(&o.sampler.Filter, "filter", "", `texture filter ("linear" or "nearest")`)
	f.StringVar(&o.sampler.Address, "address", "", `texture address mode ("clamp" or "repeat")`)
	f.BoolVar(&o.noMipmaps, "no-mipmaps", false, "do not build texture mip levels")

	f.Float32SliceVar(&o.pos, "pos", []float32{0, 0, 0}, "camera position")
	f.Float32SliceVar(&o.forward, "forward", []float32{0, 0, -1}, "camera viewing direction")
	f.Float32SliceVar(&o.up, "up", []float32{0, 1, 0}, "camera up direction")
	f.Float32Var(&o.agl, "agl", 0, "place the camera this high above the heightmap at --pos x,y, looking down")
	f.Float32Var(&o.xi, "xi", 0, "override the xi of the intrinsics file")
	f.IntVar(&o.width, "width", 0, "image width (default: from the intrinsics file)")
	f.IntVar(&o.height, "height", 0, "image height (default: from the intrinsics file)")
	f.Float32SliceVar(&o.clear, "clear", nil, "clear color r,g,b[,a] in [0,1]")

	f.StringVar(&o.out, "out", "frame.png", "output image")
	f.StringVar(&o.depthOut, "depth-out", "", "also write depth as little-endian float32")
	_ = cmd.MarkFlagRequired("texture")
	return cmd
}

func runFrame(cmd *cobra.Command, g *globalOptions, o *frameOptions) error {
	in, err := config.LoadIntrinsics(o.intrinsics)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("xi") {
		in.Xi = o.xi
	}

	aboveGround := flags.Changed("agl")
	if aboveGround {
		if o.mesh.Heightmap == "" {
			return fmt.Errorf("%w: --agl needs --heightmap", unicam.ErrConfig)
		}
		// Nadir view unless the axes are given.
		if !flags.Changed("forward") {
			o.forward = []float32{0, 0, -1}
		}
		if !flags.Changed("up") {
			o.up = []float32{0, -1, 0}
		}
	}
	pos, err := vec3Flag("pos", o.pos)
	if err != nil {
		return err
	}
	fwd, err := vec3Flag("forward", o.forward)
	if err != nil {
		return err
	}
	up, err := vec3Flag("up", o.up)
	if err != nil {
		return err
	}
	// Checked before the scene is loaded; repeated below once the camera
	// height is known.
	pose, err := unicam.LookAt(pos, fwd, up)
	if err != nil {
		return err
	}

	origin, err := vec3Flag("origin", o.origin)
	if err != nil {
		return err
	}
	o.mesh.Origin = [3]float32{origin.X, origin.Y, origin.Z}
	if (o.mesh.OBJ == "") == (o.mesh.Heightmap == "") {
		return fmt.Errorf("%w: give exactly one of --obj or --heightmap", unicam.ErrConfig)
	}
	mipmaps := !o.noMipmaps
	o.sampler.Mipmaps = &mipmaps
	// Reuses the manifest rules for the clear color.
	bg, err := (&config.Dataset{ClearColor: o.clear}).Color()
	if err != nil {
		return err
	}

	sc, err := loadScene(o.mesh, o.texture, o.sampler)
	if err != nil {
		return err
	}
	if aboveGround {
		ground := sc.ground.Sample(pos.X, pos.Y)
		pos.Z = ground + o.agl
		if pose, err = unicam.LookAt(pos, fwd, up); err != nil {
			return err
		}
		g.logger.Info("camera placed", "agl", float64(o.agl), "ground", float64(ground), "z", float64(pos.Z))
	}

	backend, err := g.openBackend("")
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	r, err := unicam.NewBatchRenderer(backend, unicam.BatchOptions{
		InFlight:   1,
		ClearColor: bg,
		Depth:      o.depthOut != "",
	})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	frame, err := r.Render(cmd.Context(), unicam.RenderJob{
		Intrinsics: in,
		Pose:       pose,
		Mesh:       sc.mesh,
		Texture:    sc.texture,
		Width:      o.width,
		Height:     o.height,
	})
	if frame == nil {
		return err
	}
	var jobErr *unicam.JobError
	if err != nil && !errors.As(err, &jobErr) {
		return err
	}
	if err := asset.SaveFrame(o.out, o.depthOut, frame); err != nil {
		return err
	}
	g.logger.Info("frame written", "path", o.out, "width", frame.Width, "height", frame.Height, "empty", frame.Empty)
	return nil
}

func vec3Flag(name string, v []float32) (unicam.Vec3, error) {
	if len(v) != 3 {
		return unicam.Vec3{}, fmt.Errorf("%w: --%s needs 3 components, got %d", unicam.ErrConfig, name, len(v))
	}
	return unicam.V3(v[0], v[1], v[2]), nil
}
