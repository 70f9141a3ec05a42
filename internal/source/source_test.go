package source

import (
	"errors"
	"os"
	"testing"

	"github.com/zsiec/vcam/media"
)

func TestRebase(t *testing.T) {
	t.Parallel()

	type in struct {
		track media.Track
		pts   int64
	}
	type out struct {
		pts  int64
		keep bool
	}
	tests := []struct {
		name string
		in   []in
		want []out
	}{
		{
			name: "late packet beyond tolerance is dropped",
			in:   []in{{media.TrackVideo, 500_000}, {media.TrackVideo, 520_000}, {media.TrackAudio, 80_000}},
			want: []out{{0, true}, {20_000, true}, {0, false}},
		},
		{
			name: "audio before video clamps to zero",
			in:   []in{{media.TrackAudio, 1_000_000}, {media.TrackAudio, 1_020_000}, {media.TrackVideo, 1_040_000}, {media.TrackAudio, 1_060_000}},
			want: []out{{0, true}, {0, true}, {0, true}, {20_000, true}},
		},
		{
			name: "early packet within tolerance clamps to zero",
			in:   []in{{media.TrackVideo, 200_000}, {media.TrackAudio, 150_000}, {media.TrackAudio, 100_000}, {media.TrackAudio, 99_999}},
			want: []out{{0, true}, {0, true}, {0, true}, {0, false}},
		},
		{
			name: "missing timestamps",
			in:   []in{{media.TrackVideo, NoPTS}, {media.TrackVideo, 40_000}, {media.TrackVideo, NoPTS}},
			want: []out{{0, true}, {0, true}, {0, true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var r Rebaser
			for i, p := range tt.in {
				pts, keep := r.Rebase(p.track, p.pts)
				if pts != tt.want[i].pts || keep != tt.want[i].keep {
					t.Errorf("packet %d: got (%d, %v), want (%d, %v)", i, pts, keep, tt.want[i].pts, tt.want[i].keep)
				}
			}
		})
	}
}

func TestRebaseReset(t *testing.T) {
	t.Parallel()

	var r Rebaser
	r.Rebase(media.TrackVideo, 9_000_000)
	r.Reset()
	if _, ok := r.Origin(); ok {
		t.Fatal("origin survived Reset")
	}
	if pts, _ := r.Rebase(media.TrackVideo, 33_000); pts != 0 {
		t.Errorf("got %d after reset, want 0", pts)
	}
	if pts, _ := r.Rebase(media.TrackVideo, 66_000); pts != 33_000 {
		t.Errorf("got %d, want 33000", pts)
	}
}

func TestLocationValidate(t *testing.T) {
	t.Parallel()

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tests := []struct {
		name string
		loc  Location
		ok   bool
	}{
		{"path", Location{Path: "/tmp/a.mp4"}, true},
		{"path range", Location{Path: "/tmp/a.mp4", Offset: 10, Length: 100}, true},
		{"file", Location{File: f, Offset: 4}, true},
		{"srt", Location{URL: "srt://127.0.0.1:6000?streamid=cam"}, true},
		{"empty", Location{}, false},
		{"two inputs", Location{Path: "a", URL: "srt://b"}, false},
		{"negative offset", Location{Path: "a", Offset: -1}, false},
		{"range on url", Location{URL: "srt://b", Length: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.loc.Validate()
			if tt.ok && err != nil {
				t.Errorf("got %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidLocation) {
				t.Errorf("got %v, want ErrInvalidLocation", err)
			}
		})
	}

	if !(Location{URL: "srt://x:1"}).IsSRT() {
		t.Error("srt url not detected")
	}
}
