package media

import "testing"

func TestVisualSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rotation     int
		wantW, wantH int
	}{
		{0, 1920, 1080},
		{90, 1080, 1920},
		{180, 1920, 1080},
		{270, 1080, 1920},
	}
	for _, tt := range tests {
		v := VideoParams{Width: 1920, Height: 1080, Rotation: tt.rotation}
		w, h := v.VisualSize()
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("rotation %d: got %dx%d, want %dx%d", tt.rotation, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestNormalizeRotation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		deg  float64
		want int
	}{
		{0, 0},
		{90, 90},
		{-90, 270},
		{180, 180},
		{-180, 180},
		{270, 270},
		{360, 0},
		{89.99, 90},
		{-450, 270},
	}
	for _, tt := range tests {
		if got := NormalizeRotation(tt.deg); got != tt.want {
			t.Errorf("NormalizeRotation(%v): got %d, want %d", tt.deg, got, tt.want)
		}
	}
}

func TestEndOfStream(t *testing.T) {
	t.Parallel()

	p := EndOfStream(TrackAudio)
	if !p.IsEndOfStream() {
		t.Error("expected end-of-stream flag")
	}
	if p.Track != TrackAudio {
		t.Errorf("track: got %v, want audio", p.Track)
	}
	if (&Packet{Flags: FlagKeyFrame}).IsEndOfStream() {
		t.Error("keyframe packet reported end-of-stream")
	}
}
