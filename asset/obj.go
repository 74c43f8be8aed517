package asset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gogpu/unicam"
)

// LoadOBJ reads a Wavefront OBJ file as a single mesh. See DecodeOBJ.
func LoadOBJ(path string) (*unicam.Mesh, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%w: open mesh: %w", unicam.ErrIO, err)
	}
	defer func() { _ = f.Close() }()

	m, err := DecodeOBJ(baseName(path), f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// DecodeOBJ parses vertex positions (v), texture coordinates (vt) and faces
// (f) from r. Every object and group is merged into one mesh; polygons are
// triangulated as fans. Normals, materials and other statements are ignored
// because the renderer only does a texture lookup.
//
// OBJ texture coordinates have their origin at the bottom left; they are
// flipped so that v = 0 is the first image row. Face corners without a
// texture coordinate get (0, 0).
func DecodeOBJ(name string, r io.Reader) (*unicam.Mesh, error) {
	dec := objDecoder{
		vertexIndex: make(map[objCorner]uint32),
		skipped:     make(map[string]int),
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		dec.line++
		if err := dec.parseLine(sc.Text()); err != nil {
			return nil, fmt.Errorf("%w: obj line %d: %w", unicam.ErrConfig, dec.line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read obj: %w", unicam.ErrIO, err)
	}
	if len(dec.indices) == 0 {
		return nil, fmt.Errorf("%w: obj %q has no faces", unicam.ErrConfig, name)
	}
	if len(dec.skipped) > 0 {
		unicam.Logger().Debug("asset: obj statements ignored", "mesh", name, "statements", dec.skipped)
	}

	m := &unicam.Mesh{Name: name, Vertices: dec.vertices, Indices: dec.indices}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// objCorner is a face corner: position and texture coordinate indices,
// 0-based, with -1 for a missing texture coordinate.
type objCorner struct {
	pos, uv int
}

type objDecoder struct {
	line      int
	positions []unicam.Vec3
	uvs       []unicam.Vec2

	vertices    []unicam.Vertex
	indices     []uint32
	vertexIndex map[objCorner]uint32
	skipped     map[string]int

	corners []uint32
}

func (d *objDecoder) parseLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}
	switch fields[0] {
	case "v":
		v, err := parseFloats(fields[1:], 3)
		if err != nil {
			return fmt.Errorf("vertex: %w", err)
		}
		d.positions = append(d.positions, unicam.V3(v[0], v[1], v[2]))
	case "vt":
		v, err := parseFloats(fields[1:], 2)
		if err != nil {
			return fmt.Errorf("texture coordinate: %w", err)
		}
		d.uvs = append(d.uvs, unicam.Vec2{X: v[0], Y: 1 - v[1]})
	case "f":
		return d.parseFace(fields[1:])
	default:
		d.skipped[fields[0]]++
	}
	return nil
}

// parseFace parses f v1[/vt1][/vn1] v2[/vt2][/vn2] v3[/vt3][/vn3] ...
func (d *objDecoder) parseFace(fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("face with %d corners", len(fields))
	}
	d.corners = d.corners[:0]
	for _, f := range fields {
		parts := strings.Split(f, "/")
		pos, err := d.resolve(parts[0], len(d.positions))
		if err != nil {
			return fmt.Errorf("face vertex %q: %w", f, err)
		}
		uv := -1
		if len(parts) > 1 && parts[1] != "" {
			uv, err = d.resolve(parts[1], len(d.uvs))
			if err != nil {
				return fmt.Errorf("face texture coordinate %q: %w", f, err)
			}
		}
		d.corners = append(d.corners, d.vertex(objCorner{pos: pos, uv: uv}))
	}
	for i := 2; i < len(d.corners); i++ {
		d.indices = append(d.indices, d.corners[0], d.corners[i-1], d.corners[i])
	}
	return nil
}

// resolve converts a 1-based or negative (relative) OBJ index.
func (d *objDecoder) resolve(s string, count int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	switch {
	case v > 0:
		v--
	case v < 0:
		v += count
	default:
		return 0, errors.New("index 0")
	}
	if v < 0 || v >= count {
		return 0, fmt.Errorf("index out of range (%d defined)", count)
	}
	return v, nil
}

// vertex returns the mesh index of a corner, adding it on first use.
func (d *objDecoder) vertex(c objCorner) uint32 {
	if idx, ok := d.vertexIndex[c]; ok {
		return idx
	}
	v := unicam.Vertex{Position: d.positions[c.pos]}
	if c.uv >= 0 {
		v.TexCoord = d.uvs[c.uv]
	}
	idx := uint32(len(d.vertices)) //nolint:gosec // bounded by the input size
	d.vertices = append(d.vertices, v)
	d.vertexIndex[c] = idx
	return idx
}

func parseFloats(fields []string, n int) ([]float32, error) {
	if len(fields) < n {
		return nil, fmt.Errorf("need %d values, got %d", n, len(fields))
	}
	out := make([]float32, n)
	for i, f := range fields[:n] {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}
