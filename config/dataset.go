package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/unicam"
)

// DefaultClearColor is the background of dataset frames when the manifest
// does not set one: linear (0.1, 0.2, 0.3) encoded to sRGB, stored as
// (89, 124, 149).
var DefaultClearColor = unicam.Color{R: 0.1, G: 0.2, B: 0.3, A: 1}.SRGB()

// Dataset is a rendering manifest. Relative paths are resolved against the
// directory of the manifest file. Camera poses come from exactly one of a
// pose table or a generated grid; a grid needs a heightmap mesh.
//
//	intrinsics: camera_params.toml
//	poses: poses.csv
//	mesh:
//	  heightmap: dem.tif
//	  cell_size: 2
//	  height_scale: 0.1
//	texture: ortho.png
//	output: out
//	in_flight: 3
//	depth: true
//	clear_color: [0.1, 0.2, 0.3, 1]
type Dataset struct {
	Intrinsics string        `yaml:"intrinsics"`
	Poses      string        `yaml:"poses"`
	Grid       *GridConfig   `yaml:"grid"`
	Mesh       MeshSource    `yaml:"mesh"`
	Texture    string        `yaml:"texture"`
	Sampler    SamplerConfig `yaml:"sampler"`
	Output     string        `yaml:"output"`

	// Width and Height override the image size of the intrinsics file.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	InFlight   int       `yaml:"in_flight"`
	Depth      bool      `yaml:"depth"`
	ClearColor []float32 `yaml:"clear_color"`

	// Backend selects a registered backend by name. Empty means the
	// best available one.
	Backend string `yaml:"backend"`

	// Overwrite re-renders frames whose output files already exist.
	Overwrite bool `yaml:"overwrite"`
}

// MeshSource names exactly one of an OBJ file or a terrain heightmap.
type MeshSource struct {
	OBJ string `yaml:"obj"`

	Heightmap    string     `yaml:"heightmap"`
	Origin       [3]float32 `yaml:"origin"`
	CellSize     float32    `yaml:"cell_size"`
	HeightScale  float32    `yaml:"height_scale"`
	HeightOffset float32    `yaml:"height_offset"`
	// Resolution resamples the heightmap to Resolution x Resolution
	// samples before meshing. 0 keeps the source size.
	Resolution int `yaml:"resolution"`
}

// SamplerConfig selects the texture sampler and mip chain.
type SamplerConfig struct {
	Filter  string `yaml:"filter"`  // "linear", "nearest" or empty for unicam.DefaultSampler
	Address string `yaml:"address"` // "clamp" (default) or "repeat"
	Mipmaps *bool  `yaml:"mipmaps"` // default true
}

// LoadDataset reads and validates a manifest.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read dataset: %w", unicam.ErrIO, err)
	}
	d, err := ParseDataset(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.resolve(filepath.Dir(path))
	return d, nil
}

// ParseDataset decodes and validates a manifest without resolving paths.
func ParseDataset(data []byte) (*Dataset, error) {
	var d Dataset
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: decode dataset: %w", unicam.ErrConfig, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks that the required entries are present and consistent.
func (d *Dataset) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"intrinsics", d.Intrinsics},
		{"texture", d.Texture},
		{"output", d.Output},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: dataset is missing %s", unicam.ErrConfig, strings.Join(missing, ", "))
	}
	if (d.Poses == "") == (d.Grid == nil) {
		return fmt.Errorf("%w: dataset needs exactly one of poses or grid", unicam.ErrConfig)
	}
	if d.Grid != nil {
		if d.Mesh.Heightmap == "" {
			return fmt.Errorf("%w: dataset grid needs a heightmap mesh", unicam.ErrConfig)
		}
		if err := d.Grid.Validate(); err != nil {
			return err
		}
	}
	if (d.Mesh.OBJ == "") == (d.Mesh.Heightmap == "") {
		return fmt.Errorf("%w: dataset mesh needs exactly one of obj or heightmap", unicam.ErrConfig)
	}
	if d.Mesh.Heightmap != "" && d.Mesh.CellSize <= 0 {
		return fmt.Errorf("%w: dataset mesh cell_size must be positive", unicam.ErrConfig)
	}
	if d.Mesh.Resolution < 0 {
		return fmt.Errorf("%w: dataset mesh resolution is negative", unicam.ErrConfig)
	}
	if d.Width < 0 || d.Height < 0 || (d.Width == 0) != (d.Height == 0) {
		return fmt.Errorf("%w: dataset size %dx%d is invalid", unicam.ErrConfig, d.Width, d.Height)
	}
	if d.InFlight < 0 {
		return fmt.Errorf("%w: dataset in_flight is negative", unicam.ErrConfig)
	}
	if _, err := d.Color(); err != nil {
		return err
	}
	if _, err := d.Sampler.Sampler(); err != nil {
		return err
	}
	return nil
}

func (d *Dataset) resolve(dir string) {
	for _, p := range []*string{&d.Intrinsics, &d.Poses, &d.Texture, &d.Output, &d.Mesh.OBJ, &d.Mesh.Heightmap} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// Color returns the clear color. Three components mean an opaque color.
func (d *Dataset) Color() (unicam.Color, error) {
	c := d.ClearColor
	switch len(c) {
	case 0:
		return DefaultClearColor, nil
	case 3:
		return unicam.Color{R: c[0], G: c[1], B: c[2], A: 1}, nil
	case 4:
		return unicam.Color{R: c[0], G: c[1], B: c[2], A: c[3]}, nil
	}
	return unicam.Color{}, fmt.Errorf("%w: clear_color needs 3 or 4 components, got %d", unicam.ErrConfig, len(c))
}

// Sampler converts the configuration to sampler state.
func (s SamplerConfig) Sampler() (unicam.Sampler, error) {
	out := unicam.DefaultSampler
	switch strings.ToLower(s.Filter) {
	case "":
	case "linear":
		out.MagFilter, out.MinFilter = unicam.FilterLinear, unicam.FilterLinear
	case "nearest":
		out.MagFilter, out.MinFilter = unicam.FilterNearest, unicam.FilterNearest
	default:
		return out, fmt.Errorf("%w: unknown sampler filter %q", unicam.ErrConfig, s.Filter)
	}
	switch strings.ToLower(s.Address) {
	case "", "clamp":
		out.Address = unicam.AddressClampToEdge
	case "repeat":
		out.Address = unicam.AddressRepeat
	default:
		return out, fmt.Errorf("%w: unknown sampler address mode %q", unicam.ErrConfig, s.Address)
	}
	return out, nil
}

// UseMipmaps reports whether a mip chain should be built.
func (s SamplerConfig) UseMipmaps() bool {
	return s.Mipmaps == nil || *s.Mipmaps
}
