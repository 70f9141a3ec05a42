package geom

import (
	"math"
	"testing"
)

const eps = 1e-4

func near(a, b float32) bool { return math.Abs(float64(a-b)) < eps }

func TestMultiplyIdentity(t *testing.T) {
	t.Parallel()

	m := Translate(0.25, -0.5)
	if got := Multiply(Identity(), m); got != m {
		t.Errorf("I*m: got %v, want %v", got, m)
	}
	if got := Multiply(m, Identity()); got != m {
		t.Errorf("m*I: got %v, want %v", got, m)
	}
}

func TestMultiplyOrder(t *testing.T) {
	t.Parallel()

	// Translate after scale: scale applies first to the point.
	m := Multiply(Translate(1, 0), Scale(2, 2))
	x, y := m.Apply(1, 1)
	if !near(x, 3) || !near(y, 2) {
		t.Errorf("Apply: got (%v,%v), want (3,2)", x, y)
	}
}

func TestRotate(t *testing.T) {
	t.Parallel()

	m := Rotate(90)
	if !near(m[0], 0) || !near(m[4], -1) || !near(m[1], 1) || !near(m[5], 0) {
		t.Fatalf("Rotate(90) layout: got %v", m)
	}
	x, y := m.Apply(1, 0)
	if !near(x, 0) || !near(y, 1) {
		t.Errorf("Apply(1,0): got (%v,%v), want (0,1)", x, y)
	}
}

func TestAroundCenter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		m            Mat4
		inX, inY     float32
		wantX, wantY float32
	}{
		{"identity", AroundCenter(1, 1, 0, false, false), 0.2, 0.7, 0.2, 0.7},
		{"flipY", AroundCenter(1, 1, 0, false, true), 0.2, 0.2, 0.2, 0.8},
		{"mirror", AroundCenter(1, 1, 0, true, false), 0.1, 0.3, 0.9, 0.3},
		{"scaleX", AroundCenter(0.5, 1, 0, false, false), 0, 0, 0.25, 0},
		{"rotate180", AroundCenter(1, 1, 180, false, false), 0, 0, 1, 1},
		{"centre fixed", AroundCenter(0.3, 0.7, 90, true, true), 0.5, 0.5, 0.5, 0.5},
	}
	for _, tt := range tests {
		x, y := tt.m.Apply(tt.inX, tt.inY)
		if !near(x, tt.wantX) || !near(y, tt.wantY) {
			t.Errorf("%s: got (%v,%v), want (%v,%v)", tt.name, x, y, tt.wantX, tt.wantY)
		}
	}
}

func TestPreviewFixAspect(t *testing.T) {
	t.Parallel()

	// Landscape video into a portrait view at display orientation 90 in
	// NORMAL mode: no rotation, view transposed, aspects match.
	m := PreviewFix(Layout{
		ViewWidth: 1080, ViewHeight: 1920,
		VideoWidth: 1920, VideoHeight: 1080,
		DisplayOrientation: 90,
	})
	if m != AroundCenter(1, 1, 0, false, false) {
		t.Errorf("matched aspect: got %v, want plain identity around centre", m)
	}

	// Same view in a scan mode is not transposed: the wide video is
	// narrowed on x.
	m = PreviewFix(Layout{
		ViewWidth: 1080, ViewHeight: 1920,
		VideoWidth: 1920, VideoHeight: 1080,
		DisplayOrientation: 90,
		Mode:               WorkModeScanQRCode,
	})
	x0, _ := m.Apply(0, 0)
	x1, _ := m.Apply(1, 0)
	wantSpan := float32((1080.0 / 1920.0) / (1920.0 / 1080.0))
	if !near(x1-x0, wantSpan) {
		t.Errorf("scan mode x span: got %v, want %v", x1-x0, wantSpan)
	}
}

func TestPreviewFixRotationAndMirror(t *testing.T) {
	t.Parallel()

	// Display orientation 0 gives a 270 degree rotation; square frames keep
	// scale at one so only rotation and mirroring are visible.
	base := Layout{ViewWidth: 100, ViewHeight: 100, VideoWidth: 100, VideoHeight: 100}

	if got, want := PreviewFix(base), AroundCenter(1, 1, 270, false, false); got != want {
		t.Errorf("rotation: got %v, want %v", got, want)
	}

	front := base
	front.FrontCamera = true
	if got, want := PreviewFix(front), AroundCenter(1, 1, 270, false, false); got != want {
		t.Errorf("front camera on api 1 must not mirror: got %v, want %v", got, want)
	}
	front.APILevel = 2
	if got, want := PreviewFix(front), AroundCenter(1, 1, 270, true, false); got != want {
		t.Errorf("front camera on api 2 mirrors: got %v, want %v", got, want)
	}
}

func TestExtractFix(t *testing.T) {
	t.Parallel()

	// NORMAL mode transposes the view: a 1080x1920 preview becomes
	// 1920x1080, matching the video, so only the flip remains.
	m := ExtractFix(Layout{
		ViewWidth: 1080, ViewHeight: 1920,
		VideoWidth: 1920, VideoHeight: 1080,
		FrontCamera: true, APILevel: 2,
		DisplayOrientation: 270,
	})
	if want := AroundCenter(1, 1, 0, false, true); m != want {
		t.Errorf("got %v, want %v", m, want)
	}
	_, y := m.Apply(0, 0)
	if !near(y, 1) {
		t.Errorf("flip: bottom row maps to y=%v, want 1", y)
	}
}

func TestWorkModeString(t *testing.T) {
	t.Parallel()

	if got := WorkModeFaceRecognition.String(); got != "FACE_RECOGNITION" {
		t.Errorf("got %q, want FACE_RECOGNITION", got)
	}
	if got := WorkMode(42).String(); got != "UNKNOWN" {
		t.Errorf("got %q, want UNKNOWN", got)
	}
}
