package asset

import (
	"fmt"
	"image"
	"image/color"

	"github.com/chewxy/math32"
	"golang.org/x/image/draw"

	"github.com/gogpu/unicam"
)

// TerrainOptions places a heightmap in world space. The world frame is
// east, north, up: heightmap columns run east and rows run south, so the
// first image row is the northern edge.
type TerrainOptions struct {
	// Origin is the world position of the south-west corner at height 0.
	Origin unicam.Vec3

	// CellSize is the distance between neighboring heightmap pixels.
	CellSize float32

	// HeightScale and HeightOffset map a 16-bit sample s to the height
	// HeightOffset + HeightScale*s. 8-bit images are widened to 16 bits
	// (s = 257*v).
	HeightScale  float32
	HeightOffset float32

	// Resolution resamples the heightmap to Resolution x Resolution
	// samples over the same extent. 0 keeps the source resolution.
	Resolution int
}

// HeightGrid is a regular grid of terrain heights, row 0 being the
// northern edge.
type HeightGrid struct {
	Cols, Rows int
	Heights    []float32

	// Origin and Spacing place the grid: sample (c, r) lies at
	// (Origin.X + c*Spacing, Origin.Y + (Rows-1-r)*Spacing).
	Origin  unicam.Vec3
	Spacing float32
}

// NewHeightGrid converts a heightmap image to heights.
func NewHeightGrid(img image.Image, opts TerrainOptions) (*HeightGrid, error) {
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 2 {
		return nil, fmt.Errorf("%w: heightmap %dx%d is smaller than 2x2", unicam.ErrConfig, b.Dx(), b.Dy())
	}
	if !(opts.CellSize > 0) {
		return nil, fmt.Errorf("%w: terrain cell size %g is not positive", unicam.ErrConfig, opts.CellSize)
	}
	if opts.Resolution == 1 || opts.Resolution < 0 {
		return nil, fmt.Errorf("%w: terrain resolution %d is below 2", unicam.ErrConfig, opts.Resolution)
	}

	cols, rows := b.Dx(), b.Dy()
	spacing := opts.CellSize
	src := image.Image(img)
	if opts.Resolution > 0 && (opts.Resolution != cols || opts.Resolution != rows) {
		g := image.NewGray16(image.Rect(0, 0, opts.Resolution, opts.Resolution))
		draw.BiLinear.Scale(g, g.Rect, img, b, draw.Src, nil)
		// Keep the east-west extent; the grid is square.
		spacing = opts.CellSize * float32(cols-1) / float32(opts.Resolution-1)
		cols, rows = opts.Resolution, opts.Resolution
		src, b = g, g.Rect
	}

	grid := &HeightGrid{
		Cols:    cols,
		Rows:    rows,
		Heights: make([]float32, cols*rows),
		Origin:  opts.Origin,
		Spacing: spacing,
	}
	for r := range rows {
		for c := range cols {
			s := color.Gray16Model.Convert(src.At(b.Min.X+c, b.Min.Y+r)).(color.Gray16).Y
			grid.Heights[r*cols+c] = opts.Origin.Z + opts.HeightOffset + opts.HeightScale*float32(s)
		}
	}
	return grid, nil
}

// At returns the height of sample (c, r).
func (g *HeightGrid) At(c, r int) float32 {
	return g.Heights[r*g.Cols+c]
}

// Position returns the world position of sample (c, r).
func (g *HeightGrid) Position(c, r int) unicam.Vec3 {
	return unicam.V3(
		g.Origin.X+float32(c)*g.Spacing,
		g.Origin.Y+float32(g.Rows-1-r)*g.Spacing,
		g.At(c, r),
	)
}

// Sample returns the bilinearly interpolated terrain height at the world
// position (x, y). Positions outside the grid are clamped to its edge.
func (g *HeightGrid) Sample(x, y float32) float32 {
	fc := (x - g.Origin.X) / g.Spacing
	fr := float32(g.Rows-1) - (y-g.Origin.Y)/g.Spacing
	fc = clampf(fc, 0, float32(g.Cols-1))
	fr = clampf(fr, 0, float32(g.Rows-1))

	c0, r0 := int(math32.Floor(fc)), int(math32.Floor(fr))
	c1, r1 := min(c0+1, g.Cols-1), min(r0+1, g.Rows-1)
	tx, ty := fc-float32(c0), fr-float32(r0)

	top := g.At(c0, r0)*(1-tx) + g.At(c1, r0)*tx
	bottom := g.At(c0, r1)*(1-tx) + g.At(c1, r1)*tx
	return top*(1-ty) + bottom*ty
}

// Mesh triangulates the grid. Texture coordinates span [0, 1] over the
// grid so that an orthoimage covering the same extent maps onto it.
func (g *HeightGrid) Mesh(name string) *unicam.Mesh {
	m := &unicam.Mesh{
		Name:     name,
		Vertices: make([]unicam.Vertex, 0, g.Cols*g.Rows),
		Indices:  make([]uint32, 0, (g.Cols-1)*(g.Rows-1)*6),
	}
	invC, invR := 1/float32(g.Cols-1), 1/float32(g.Rows-1)
	for r := range g.Rows {
		for c := range g.Cols {
			m.Vertices = append(m.Vertices, unicam.Vertex{
				Position: g.Position(c, r),
				TexCoord: unicam.Vec2{X: float32(c) * invC, Y: float32(r) * invR},
			})
		}
	}
	stride := uint32(g.Cols) //nolint:gosec // grid sizes fit in uint32
	for r := range uint32(g.Rows - 1) { //nolint:gosec // see above
		for c := range stride - 1 {
			i := r*stride + c
			m.Indices = append(m.Indices, i, i+stride, i+1, i+1, i+stride, i+stride+1)
		}
	}
	return m
}

// TerrainGrid builds a terrain mesh from a heightmap image.
func TerrainGrid(name string, heightmap image.Image, opts TerrainOptions) (*unicam.Mesh, error) {
	g, err := NewHeightGrid(heightmap, opts)
	if err != nil {
		return nil, err
	}
	m := g.Mesh(name)
	unicam.Logger().Debug("asset: terrain grid built", "mesh", name,
		"cols", g.Cols, "rows", g.Rows, "spacing", g.Spacing, "triangles", m.TriangleCount())
	return m, nil
}

// LoadTerrain decodes a heightmap file (16-bit PNG or TIFF for real
// elevation data) and builds its terrain mesh.
func LoadTerrain(path string, opts TerrainOptions) (*unicam.Mesh, *HeightGrid, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, nil, err
	}
	g, err := NewHeightGrid(img, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return g.Mesh(baseName(path)), g, nil
}

func clampf(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}
