package delivery

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func publish(s Sink, fill byte, size, w, h int) {
	buf := s.Acquire(size)
	for i := range buf {
		buf[i] = fill
	}
	s.Publish(buf, w, h)
}

func TestLatestSnapshot(t *testing.T) {
	t.Parallel()

	l := NewLatest()
	if _, ok := l.Snapshot(); ok {
		t.Fatal("expected no frame before publish")
	}

	publish(l, 1, 6, 2, 2)
	publish(l, 2, 6, 2, 2)

	f, ok := l.Snapshot()
	if !ok {
		t.Fatal("expected a frame")
	}
	if f.Seq != 2 {
		t.Errorf("got seq %d, want 2", f.Seq)
	}
	if !bytes.Equal(f.Data, []byte{2, 2, 2, 2, 2, 2}) {
		t.Errorf("got %v, want all 2", f.Data)
	}
	if got := l.Published(); got != 2 {
		t.Errorf("got %d published, want 2", got)
	}

	// The snapshot is a copy and survives further publishes.
	publish(l, 3, 6, 2, 2)
	if f.Data[0] != 2 {
		t.Errorf("snapshot mutated: got %d, want 2", f.Data[0])
	}
}

func TestLatestAcquireNeverReturnsFront(t *testing.T) {
	t.Parallel()

	l := NewLatest()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			publish(l, byte(i), 64, 8, 8)
		}
	}()
	for i := 0; i < 500; i++ {
		f, ok := l.Snapshot()
		if !ok {
			continue
		}
		for _, b := range f.Data {
			if b != f.Data[0] {
				t.Fatalf("torn frame seq %d", f.Seq)
			}
		}
	}
	wg.Wait()
}

func TestTeeFansOut(t *testing.T) {
	t.Parallel()

	a, b := NewLatest(), NewLatest()
	tee := NewTee(a, nil, b)
	publish(tee, 7, 3, 2, 1)

	for i, s := range []*Latest{a, b} {
		f, ok := s.Snapshot()
		if !ok {
			t.Fatalf("sink %d: no frame", i)
		}
		if !bytes.Equal(f.Data, []byte{7, 7, 7}) || f.Width != 2 || f.Height != 1 {
			t.Errorf("sink %d: got %+v", i, f)
		}
	}
}

func TestFileSinkAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.nv21")
	s, err := NewFileSink(path, nil)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	publish(s, 'a', 6, 2, 2)
	publish(s, 'b', 6, 2, 2)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	publish(s, 'c', 6, 2, 2)

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "aaaaaabbbbbb" {
		t.Errorf("got %q, want %q", got, "aaaaaabbbbbb")
	}
	if s.Frames() != 2 {
		t.Errorf("got %d frames, want 2", s.Frames())
	}
}
