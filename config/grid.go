package config

import (
	"fmt"
	"strconv"

	"github.com/gogpu/unicam"
)

// Grid defaults: a 1 km square covered from five heights above ground.
const (
	DefaultGridSize     = 1000
	DefaultGridCoverage = 1500
)

// DefaultGridHeights are the camera heights above ground of a grid.
var DefaultGridHeights = []float32{300, 550, 800, 1200, 2000}

// Nadir camera axes of generated grid poses: looking straight down with
// image rows running south.
var (
	nadirForward = unicam.V3(0, 0, -1)
	nadirUp      = unicam.V3(0, -1, 0)
)

// GridConfig generates nadir camera poses over a square area. For each
// height h the square is split into floor(Coverage/h)+1 cells per side and
// a camera is placed above the center of every cell, h above the terrain.
//
//	grid:
//	  origin: [2600000, 1200000]
//	  size: 1000
//	  heights: [300, 800]
type GridConfig struct {
	// Origin is the south-west corner (east, north) of the square.
	Origin   [2]float32 `yaml:"origin"`
	Size     float32    `yaml:"size"`
	Heights  []float32  `yaml:"heights"`
	Coverage float32    `yaml:"coverage"`
}

func (g GridConfig) withDefaults() GridConfig {
	if g.Size == 0 {
		g.Size = DefaultGridSize
	}
	if len(g.Heights) == 0 {
		g.Heights = DefaultGridHeights
	}
	if g.Coverage == 0 {
		g.Coverage = DefaultGridCoverage
	}
	return g
}

// Validate checks the grid after defaults are applied.
func (g GridConfig) Validate() error {
	g = g.withDefaults()
	if !(g.Size > 0) || !(g.Coverage > 0) {
		return fmt.Errorf("%w: grid size and coverage must be positive", unicam.ErrConfig)
	}
	for _, h := range g.Heights {
		if !(h > 0) {
			return fmt.Errorf("%w: grid height %g is not positive", unicam.ErrConfig, h)
		}
	}
	return nil
}

// Dir returns the output subdirectory of the grid, render_<east>_<north>.
func (g GridConfig) Dir() string {
	e := strconv.FormatFloat(float64(g.Origin[0]), 'f', -1, 32)
	n := strconv.FormatFloat(float64(g.Origin[1]), 'f', -1, 32)
	return "render_" + e + "_" + n
}

// Poses generates the records of the grid height by height, with
// sequential indices. Their heights are above ground; call Place to
// resolve them against the terrain.
func (g GridConfig) Poses() ([]PoseRecord, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	g = g.withDefaults()

	var records []PoseRecord
	for _, h := range g.Heights {
		n := int(g.Coverage/h) + 1
		step := g.Size / float32(n)
		for i := range n {
			for j := range n {
				pos := unicam.V3(
					g.Origin[0]+step*(float32(i)+0.5),
					g.Origin[1]+step*(float32(j)+0.5),
					h,
				)
				pose, err := unicam.LookAt(pos, nadirForward, nadirUp)
				if err != nil {
					return nil, err
				}
				agl := h
				records = append(records, PoseRecord{
					Index:    len(records),
					Position: pos,
					Forward:  nadirForward,
					Up:       nadirUp,
					Pose:     pose,
					AGL:      &agl,
				})
			}
		}
	}
	return records, nil
}
