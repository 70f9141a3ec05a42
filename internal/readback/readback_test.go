package readback

import (
	"testing"

	"github.com/zsiec/vcam/internal/gpu"
)

// fakeContext implements only what the engine calls. Copies complete
// instantly into the buffer; fences signal only when the test says so.
type fakeContext struct {
	gpu.Context
	log    *[]string
	fences []*fakeFence
	fill   byte
}

type fakeFence struct {
	signaled bool
	released bool
	log      *[]string
}

func (f *fakeFence) Signaled() bool { return f.signaled }
func (f *fakeFence) Release() {
	f.released = true
	*f.log = append(*f.log, "fence")
}

type fakeBuffer struct {
	data   []byte
	mapped bool
	log    *[]string
}

func (b *fakeBuffer) Size() int { return len(b.data) }
func (b *fakeBuffer) Map() ([]byte, error) {
	b.mapped = true
	return b.data, nil
}
func (b *fakeBuffer) Unmap() { b.mapped = false }
func (b *fakeBuffer) Release() {
	*b.log = append(*b.log, "buffer")
}

func newFakeContext() *fakeContext {
	return &fakeContext{log: new([]string)}
}

func (c *fakeContext) NewTransferBuffer(size int) (gpu.TransferBuffer, error) {
	return &fakeBuffer{data: make([]byte, size), log: c.log}, nil
}

func (c *fakeContext) ReadPixelsAsync(_ gpu.Target, buf gpu.TransferBuffer) error {
	c.fill++
	fb := buf.(*fakeBuffer)
	for i := range fb.data {
		fb.data[i] = c.fill
	}
	return nil
}

func (c *fakeContext) FenceSync() (gpu.Fence, error) {
	f := &fakeFence{log: c.log}
	c.fences = append(c.fences, f)
	return f, nil
}

func TestTryMapNeverReturnsUnsignaledBuffer(t *testing.T) {
	t.Parallel()

	ctx := newFakeContext()
	e, err := New(ctx, 4, 2, gpu.FormatR8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Destroy()

	if err := e.StartAsyncRead(nil); err != nil {
		t.Fatalf("StartAsyncRead: %v", err)
	}
	if data := e.TryMap(); data != nil {
		t.Fatal("TryMap before any Advance returned data")
	}

	e.Advance()
	if data := e.TryMap(); data != nil {
		t.Fatal("TryMap returned data before the fence signaled")
	}
	if got := e.State(0); got != Submitted {
		t.Errorf("slot 0 state: got %v, want submitted", got)
	}

	ctx.fences[0].signaled = true
	if got := e.State(0); got != Signaled {
		t.Errorf("slot 0 state: got %v, want signaled", got)
	}
	data := e.TryMap()
	if data == nil {
		t.Fatal("TryMap returned nil after the fence signaled")
	}
	if len(data) != 8 || data[0] != 1 {
		t.Errorf("mapped data: got len %d first %d, want len 8 first 1", len(data), data[0])
	}
	if !ctx.fences[0].released {
		t.Error("fence not released after a successful map")
	}
	e.Unmap()

	if data := e.TryMap(); data != nil {
		t.Error("second TryMap of the same slot returned data")
	}
}

func TestAdvanceRotation(t *testing.T) {
	t.Parallel()

	e, err := New(newFakeContext(), 2, 2, gpu.FormatRGBA8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Destroy()

	want := [][2]int{{0, -1}, {1, 0}, {2, 1}, {0, 2}, {1, 0}}
	for i, w := range want {
		if i > 0 {
			e.Advance()
		}
		gotW, gotR := e.Indices()
		if gotW != w[0] || gotR != w[1] {
			t.Errorf("step %d: got write=%d read=%d, want write=%d read=%d", i, gotW, gotR, w[0], w[1])
		}
		if gotW == gotR {
			t.Errorf("step %d: write and read slots alias", i)
		}
	}
}

func TestStartAsyncReadReplacesFence(t *testing.T) {
	t.Parallel()

	ctx := newFakeContext()
	e, _ := New(ctx, 2, 2, gpu.FormatRG8)
	defer e.Destroy()

	e.StartAsyncRead(nil)
	e.StartAsyncRead(nil)
	if len(ctx.fences) != 2 {
		t.Fatalf("fences: got %d, want 2", len(ctx.fences))
	}
	if !ctx.fences[0].released {
		t.Error("stale fence was not released")
	}
	if ctx.fences[1].released {
		t.Error("current fence released early")
	}
}

func TestSteadyStatePipeline(t *testing.T) {
	t.Parallel()

	ctx := newFakeContext()
	e, _ := New(ctx, 1, 1, gpu.FormatR8)
	defer e.Destroy()

	// Each cycle: issue a read, signal everything older, map the previous
	// cycle's read. The value mapped trails the value written by one.
	var got []byte
	for cycle := 0; cycle < 5; cycle++ {
		e.StartAsyncRead(nil)
		if data := e.TryMap(); data != nil {
			got = append(got, data[0])
			e.Unmap()
		}
		e.Advance()
		for _, f := range ctx.fences {
			f.signaled = true
		}
	}
	want := []byte{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("mapped values: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cycle %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDestroyReleasesFencesBeforeBuffers(t *testing.T) {
	t.Parallel()

	ctx := newFakeContext()
	e, _ := New(ctx, 2, 2, gpu.FormatR8)
	e.StartAsyncRead(nil)
	e.Advance()
	e.StartAsyncRead(nil)

	*ctx.log = nil
	e.Destroy()

	want := []string{"fence", "fence", "buffer", "buffer", "buffer"}
	if len(*ctx.log) != len(want) {
		t.Fatalf("release order: got %v, want %v", *ctx.log, want)
	}
	for i := range want {
		if (*ctx.log)[i] != want[i] {
			t.Fatalf("release order: got %v, want %v", *ctx.log, want)
		}
	}
}

func TestNewRejectsEmptySize(t *testing.T) {
	t.Parallel()

	if _, err := New(newFakeContext(), 0, 10, gpu.FormatR8); err == nil {
		t.Error("expected error for zero width")
	}
}
