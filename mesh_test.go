package unicam

import (
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
)

func TestMeshValidate(t *testing.T) {
	tests := []struct {
		name    string
		mesh    *Mesh
		wantErr bool
	}{
		{"quad", quadMesh(-1), false},
		{"nil", nil, true},
		{"empty", &Mesh{Name: "empty"}, true},
		{"partial triangle", &Mesh{Vertices: make([]Vertex, 3), Indices: []uint32{0, 1}}, true},
		{"index out of range", &Mesh{Vertices: make([]Vertex, 3), Indices: []uint32{0, 1, 3}}, true},
		{"nan position", &Mesh{
			Vertices: []Vertex{{Position: Vec3{X: float32(math.NaN())}}, {}, {}},
			Indices:  []uint32{0, 1, 2},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mesh.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfig) {
				t.Errorf("error %v does not wrap ErrConfig", err)
			}
		})
	}
}

func TestMeshVertexBytesLayout(t *testing.T) {
	m := &Mesh{
		Vertices: []Vertex{
			{Position: Vec3{1, 2, 3}, TexCoord: Vec2{0.25, 0.75}},
			{Position: Vec3{-1, -2, -3}, TexCoord: Vec2{1, 0}},
		},
		Indices: []uint32{0, 1, 1},
	}
	data := m.VertexBytes()
	if len(data) != 2*VertexStride {
		t.Fatalf("len = %d, want %d", len(data), 2*VertexStride)
	}
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
	}
	want := []float32{1, 2, 3, 0.25, 0.75, -1, -2, -3, 1, 0}
	for i, w := range want {
		if got := f(i * 4); got != w {
			t.Errorf("float %d = %g, want %g", i, got, w)
		}
	}

	idx := m.IndexBytes()
	if len(idx) != 12 || binary.LittleEndian.Uint32(idx[4:]) != 1 {
		t.Errorf("IndexBytes() = %v", idx)
	}
}

func TestMeshBounds(t *testing.T) {
	lo, hi := quadMesh(-3).Bounds()
	if lo != (Vec3{-2, -2, -3}) || hi != (Vec3{2, 2, -3}) {
		t.Errorf("Bounds() = %v, %v", lo, hi)
	}
	if n := quadMesh(0).TriangleCount(); n != 2 {
		t.Errorf("TriangleCount() = %d, want 2", n)
	}
}

func TestNewTextureConvertsToRGBA(t *testing.T) {
	src := image.NewNRGBA(image.Rect(5, 5, 8, 7))
	src.SetNRGBA(5, 5, color.NRGBA{10, 20, 30, 255})
	tex := NewTexture("nrgba", src)
	if err := tex.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if w, h := tex.Size(); w != 3 || h != 2 {
		t.Errorf("Size() = %dx%d, want 3x2", w, h)
	}
	if got := tex.Image.RGBAAt(0, 0); got != (color.RGBA{10, 20, 30, 255}) {
		t.Errorf("texel (0,0) = %v", got)
	}
	if tex.Sampler != DefaultSampler {
		t.Errorf("Sampler = %+v, want DefaultSampler", tex.Sampler)
	}
	if n := len(tex.Levels()); n != 1 {
		t.Errorf("Levels() = %d, want 1", n)
	}
}

func TestTextureValidateNil(t *testing.T) {
	var tex *Texture
	if err := tex.Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("nil texture Validate() = %v, want ErrConfig", err)
	}
}

func TestCameraUniformBytes(t *testing.T) {
	in := Intrinsics{Fx: 320, Fy: 240, Cx: 320, Cy: 240, Xi: 0.7}
	u := NewCameraUniform(in, IdentityPose(), 640, 480)
	data := u.Bytes()
	if len(data) != CameraUniformSize {
		t.Fatalf("len = %d, want %d", len(data), CameraUniformSize)
	}
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
	}
	if f(0) != 1 || f(20) != 1 || f(60) != 1 || f(4) != 0 {
		t.Error("view matrix not encoded column-major identity")
	}
	want := []struct {
		name string
		off  int
		val  float32
	}{
		{"xi", 64, 0.7},
		{"fx", 68, 1},
		{"fy", 72, -1},
		{"cx", 76, 0},
		{"cy", 80, 0},
		{"depth_scale", 84, DepthScale},
		{"pad", 88, 0},
		{"pad", 92, 0},
	}
	for _, w := range want {
		if got := f(w.off); got != w.val {
			t.Errorf("%s at %d = %g, want %g", w.name, w.off, got, w.val)
		}
	}
}

func TestCameraUniformClipMatchesProject(t *testing.T) {
	pose, err := LookAt(Vec3{1, 2, 3}, Vec3{0, 0, -1}, Vec3{0, 1, 0})
	if err != nil {
		t.Fatal(err)
	}
	in := Intrinsics{Fx: 400, Fy: 400, Cx: 300, Cy: 200, Xi: 0.5}
	u := NewCameraUniform(in, pose, 600, 400)
	p := Vec3{2, 1, -4}
	ndc := u.Clip(p).Divide()
	px, ok := in.ProjectPixel(pose.View().TransformPoint(p))
	if !ok {
		t.Fatal("point not visible")
	}
	if !approx(ndc.X, 2*px.X/600-1, 1e-4) || !approx(ndc.Y, 1-2*px.Y/400, 1e-4) {
		t.Errorf("ndc %v does not match pixel %v", ndc, px)
	}
}

func TestFrameBufferFill(t *testing.T) {
	f := NewFrameBuffer(1, 3, 2, true)
	f.Fill(Color{R: 1, G: 0.5, B: 0, A: 1})
	if got := f.RGBAAt(2, 1); got != (color.RGBA{255, 128, 0, 255}) {
		t.Errorf("pixel = %v", got)
	}
	for i, d := range f.Depth {
		if d != 1 {
			t.Errorf("depth[%d] = %g, want 1", i, d)
		}
	}
	img := f.Image()
	if img.Bounds().Dx() != 3 || &img.Pix[0] != &f.Pix[0] {
		t.Error("Image() should share the frame pixels")
	}
	if NewFrameBuffer(1, 3, 2, false).Depth != nil {
		t.Error("depth buffer allocated without depth")
	}
}

func TestColorSRGB(t *testing.T) {
	tests := []struct {
		in   Color
		want [4]uint8
	}{
		{Color{R: 0.1, G: 0.2, B: 0.3, A: 1}, [4]uint8{89, 124, 149, 255}},
		{Color{R: 0, G: 1, B: 0.5, A: 0.5}, [4]uint8{0, 255, 188, 128}},
		{Color{R: 0.001, G: -1, B: 2, A: 1}, [4]uint8{3, 0, 255, 255}},
	}
	for _, tt := range tests {
		if got := tt.in.SRGB().RGBA8(); got != tt.want {
			t.Errorf("%+v.SRGB().RGBA8() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJobErrorUnwrap(t *testing.T) {
	err := error(&JobError{JobID: 3, Err: ErrDegenerateProjection})
	if !errors.Is(err, ErrDegenerateProjection) || IsFatal(err) {
		t.Errorf("JobError %v: Is/IsFatal mismatch", err)
	}
	if err.Error() != "job 3: unicam: degenerate projection" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !IsFatal(&JobError{Err: ErrDeviceLost}) || !IsFatal(ErrResource) {
		t.Error("device loss and resource errors must be fatal")
	}
}
