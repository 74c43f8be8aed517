package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gogpu/unicam"
)

// Pose table columns. Every pose column is required; the intrinsics
// columns are optional and override the base intrinsics per row.
//
// The optional cam_agl column gives the camera height above the terrain.
// When it is set, cam_pos_u may be left empty and the height is resolved
// by PoseRecord.Place.
var poseColumns = [...]string{
	"cam_pos_e", "cam_pos_n", "cam_pos_u",
	"cam_fwd_e", "cam_fwd_n", "cam_fwd_u",
	"cam_up_e", "cam_up_n", "cam_up_u",
}

var overrideColumns = [...]string{"fx", "fy", "cx", "cy", "xi"}

const aglColumn = "cam_agl"

// Override holds per-row intrinsics. Nil fields keep the base value.
type Override struct {
	Fx, Fy, Cx, Cy, Xi *float32
}

// Apply returns base with the overridden parameters replaced.
func (o Override) Apply(base unicam.Intrinsics) unicam.Intrinsics {
	set := func(dst *float32, v *float32) {
		if v != nil {
			*dst = *v
		}
	}
	set(&base.Fx, o.Fx)
	set(&base.Fy, o.Fy)
	set(&base.Cx, o.Cx)
	set(&base.Cy, o.Cy)
	set(&base.Xi, o.Xi)
	return base
}

// PoseRecord is one row of a pose table.
type PoseRecord struct {
	// Line is the 1-based line number in the input.
	Line int
	// Index counts valid rows from 0 and is used as the job ID.
	Index int

	Position unicam.Vec3
	Forward  unicam.Vec3
	Up       unicam.Vec3
	Pose     unicam.Pose
	Override Override

	// AGL is the requested camera height above ground, nil when the row
	// gives an absolute height.
	AGL *float32
	// Ground is the terrain height below the camera, set by Place.
	Ground *float32
}

// Place resolves the record against the terrain height function ground.
// A record with AGL is lifted to that height above ground(x, y) and its
// pose rebuilt; every record remembers the ground height for PositionAGL.
func (r *PoseRecord) Place(ground func(x, y float32) float32) error {
	g := ground(r.Position.X, r.Position.Y)
	r.Ground = &g
	if r.AGL == nil {
		return nil
	}
	r.Position.Z = g + *r.AGL
	pose, err := unicam.LookAt(r.Position, r.Forward, r.Up)
	if err != nil {
		return err
	}
	r.Pose = pose
	return nil
}

// PositionAGL returns the camera position with its height measured above
// ground. It reports false until Place has run.
func (r PoseRecord) PositionAGL() (unicam.Vec3, bool) {
	if r.Ground == nil {
		return unicam.Vec3{}, false
	}
	p := r.Position
	p.Z -= *r.Ground
	return p, true
}

// RowError reports a malformed row. It wraps unicam.ErrConfig.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("pose table line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// PoseReader reads camera poses from CSV. Column names are matched case
// insensitively, and an infix such as "_lv95" in cam_pos_lv95_e is ignored,
// so tables exported in a projected coordinate system load unchanged.
type PoseReader struct {
	r     *csv.Reader
	pose  [len(poseColumns)]int
	over  [len(overrideColumns)]int
	agl   int
	index int
}

// NewPoseReader reads the header row.
func NewPoseReader(r io.Reader) (*PoseReader, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: pose table is empty", unicam.ErrConfig)
		}
		return nil, fmt.Errorf("%w: read pose table header: %w", unicam.ErrConfig, err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[normalizeColumn(name)] = i
	}

	pr := &PoseReader{r: cr}
	var missing []string
	for i, name := range poseColumns {
		idx, ok := cols[name]
		if !ok {
			missing = append(missing, name)
		}
		pr.pose[i] = idx
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: pose table is missing columns %s",
			unicam.ErrConfig, strings.Join(missing, ", "))
	}
	for i, name := range overrideColumns {
		idx, ok := cols[name]
		if !ok {
			idx = -1
		}
		pr.over[i] = idx
	}
	pr.agl = -1
	if idx, ok := cols[aglColumn]; ok {
		pr.agl = idx
	}
	return pr, nil
}

func normalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Replace(name, "_lv95", "", 1)
}

// Read returns the next record, io.EOF at the end of the table, a
// *RowError for a malformed row (reading may continue) or any other error
// when the input itself failed.
func (p *PoseReader) Read() (PoseRecord, error) {
	row, err := p.r.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return PoseRecord{}, &RowError{Line: perr.Line, Err: fmt.Errorf("%w: %w", unicam.ErrConfig, perr.Err)}
		}
		if errors.Is(err, io.EOF) {
			return PoseRecord{}, io.EOF
		}
		return PoseRecord{}, fmt.Errorf("%w: read pose table: %w", unicam.ErrIO, err)
	}
	line, _ := p.r.FieldPos(0)
	rowErr := func(format string, args ...any) error {
		return &RowError{Line: line, Err: fmt.Errorf("%w: "+format, append([]any{unicam.ErrConfig}, args...)...)}
	}

	var agl *float32
	if p.agl >= 0 && p.agl < len(row) && strings.TrimSpace(row[p.agl]) != "" {
		f, err := parseFloat(row[p.agl])
		if err != nil {
			return PoseRecord{}, rowErr("%s: %v", aglColumn, err)
		}
		agl = &f
	}

	var v [len(poseColumns)]float32
	for i, idx := range p.pose {
		if idx >= len(row) {
			return PoseRecord{}, rowErr("missing %s", poseColumns[i])
		}
		if poseColumns[i] == "cam_pos_u" && agl != nil && strings.TrimSpace(row[idx]) == "" {
			v[i] = *agl
			continue
		}
		f, err := parseFloat(row[idx])
		if err != nil {
			return PoseRecord{}, rowErr("%s: %v", poseColumns[i], err)
		}
		v[i] = f
	}

	rec := PoseRecord{
		Line:     line,
		Position: unicam.V3(v[0], v[1], v[2]),
		Forward:  unicam.V3(v[3], v[4], v[5]),
		Up:       unicam.V3(v[6], v[7], v[8]),
		AGL:      agl,
	}
	fields := [...]**float32{&rec.Override.Fx, &rec.Override.Fy, &rec.Override.Cx, &rec.Override.Cy, &rec.Override.Xi}
	for i, idx := range p.over {
		if idx < 0 || idx >= len(row) || strings.TrimSpace(row[idx]) == "" {
			continue
		}
		f, err := parseFloat(row[idx])
		if err != nil {
			return PoseRecord{}, rowErr("%s: %v", overrideColumns[i], err)
		}
		*fields[i] = &f
	}

	rec.Pose, err = unicam.LookAt(rec.Position, rec.Forward, rec.Up)
	if err != nil {
		return PoseRecord{}, &RowError{Line: line, Err: err}
	}
	rec.Index = p.index
	p.index++
	return rec, nil
}

func parseFloat(s string) (float32, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return 0, err
	}
	return float32(f), nil
}

// ReadPoses reads a whole pose table. Malformed rows are skipped and
// returned in skipped; err is non-nil only when the header is unusable or
// the input fails.
func ReadPoses(r io.Reader) (records []PoseRecord, skipped []error, err error) {
	pr, err := NewPoseReader(r)
	if err != nil {
		return nil, nil, err
	}
	for {
		rec, err := pr.Read()
		if errors.Is(err, io.EOF) {
			return records, skipped, nil
		}
		var rowErr *RowError
		if errors.As(err, &rowErr) {
			skipped = append(skipped, rowErr)
			continue
		}
		if err != nil {
			return records, skipped, err
		}
		records = append(records, rec)
	}
}
