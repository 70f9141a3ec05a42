package codec

import (
	"testing"
	"time"

	"github.com/zsiec/vcam/media"
)

func TestNullSinkPaces(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)
	var slept []time.Duration
	s := &NullSink{
		now:   func() time.Time { return now },
		sleep: func(d time.Duration) { slept = append(slept, d) },
	}
	if err := s.Write(nil, 1); err == nil {
		t.Fatal("Write before Open: expected error")
	}
	if err := s.Open(1000, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	// 500 frames at 1 kHz are due 500ms after start.
	if err := s.Write(make([]byte, 2000), 500); err != nil {
		t.Fatal(err)
	}
	now = now.Add(200 * time.Millisecond)
	if err := s.Write(make([]byte, 2000), 500); err != nil {
		t.Fatal(err)
	}

	want := []time.Duration{500 * time.Millisecond, 800 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("got sleeps %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d: got %v, want %v", i, slept[i], want[i])
		}
	}
	if s.Frames() != 1000 {
		t.Errorf("got %d frames, want 1000", s.Frames())
	}

	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err := s.Start(); err == nil {
		t.Error("Start after Close: expected error")
	}
}

func TestNullSinkUnpaced(t *testing.T) {
	t.Parallel()

	s := &NullSink{Unpaced: true}
	if err := s.Open(48000, 2); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := s.Write(make([]byte, 4096), 1024); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > time.Second {
		t.Error("unpaced sink blocked")
	}
}

func TestFormats(t *testing.T) {
	t.Parallel()

	v := VideoFormat(media.VideoParams{Mime: media.MimeH264, Width: 640, Height: 480, Rotation: 90, CSD: []byte{1}}, nil)
	if v.Mime != media.MimeH264 || v.Width != 640 || v.Height != 480 || v.Rotation != 90 || len(v.CSD) != 1 {
		t.Errorf("got %+v", v)
	}
	a := AudioFormat(media.AudioParams{Mime: media.MimeAAC, SampleRate: 44100, Channels: 2})
	if a.SampleRate != 44100 || a.Channels != 2 || a.Mime != media.MimeAAC {
		t.Errorf("got %+v", a)
	}
}
