package yuv

import (
	"bytes"
	"image"
	"image/color"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/vcam/internal/delivery"
	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
	"github.com/zsiec/vcam/internal/gpu/softgpu"
)

func newContext(t *testing.T) gpu.Context {
	t.Helper()
	ctx, err := softgpu.NewDriver(softgpu.Options{Workers: 2}).NewContext(softgpu.NewMemoryWindow(4, 4))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(ctx.Destroy)
	return ctx
}

// solid returns an RGBA target of the given size filled with c.
func solid(t *testing.T, ctx gpu.Context, w, h int, c color.RGBA) gpu.Target {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	ext, err := ctx.NewExternalImage()
	if err != nil {
		t.Fatalf("NewExternalImage: %v", err)
	}
	defer ext.Release()
	ext.QueueImage(img, 0)
	if err := ext.UpdateTexImage(); err != nil {
		t.Fatalf("UpdateTexImage: %v", err)
	}
	tg, err := ctx.NewTarget(w, h, gpu.FormatRGBA8)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	t.Cleanup(tg.Release)
	err = ctx.Draw(gpu.Pass{
		Program:   gpu.ProgramCopyExternal,
		Source:    ext.Texture(),
		TexMatrix: ext.TransformMatrix(),
		Target:    tg,
	})
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	return tg
}

func near(a, b byte) bool {
	d := int(a) - int(b)
	return d >= -1 && d <= 1
}

func checkNV21(t *testing.T, nv21 []byte, w, h int, y, v, u byte) {
	t.Helper()
	if len(nv21) != FrameSize(w, h) {
		t.Fatalf("got %d bytes, want %d", len(nv21), FrameSize(w, h))
	}
	for i := 0; i < w*h; i++ {
		if !near(nv21[i], y) {
			t.Fatalf("luma %d: got %d, want %d", i, nv21[i], y)
		}
	}
	for i := w * h; i < len(nv21); i += 2 {
		if !near(nv21[i], v) || !near(nv21[i+1], u) {
			t.Fatalf("chroma %d: got V=%d U=%d, want V=%d U=%d", i, nv21[i], nv21[i+1], v, u)
		}
	}
}

func TestConverterSyncNV21(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rgba    color.RGBA
		y, v, u byte
	}{
		{"white", color.RGBA{255, 255, 255, 255}, 255, 128, 128},
		{"black", color.RGBA{0, 0, 0, 255}, 0, 128, 128},
		{"red", color.RGBA{255, 0, 0, 255}, 76, 255, 85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := newContext(t)
			src := solid(t, ctx, 8, 4, tt.rgba)
			c := NewConverter(ctx, nil)
			if err := c.Init(8, 4, false); err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer c.Destroy()

			var got []byte
			ok, err := c.Process(src.Texture(), geom.Identity(), func(nv21 []byte, w, h int) {
				if w != 8 || h != 4 {
					t.Errorf("got %dx%d, want 8x4", w, h)
				}
				got = append([]byte(nil), nv21...)
			})
			if err != nil || !ok {
				t.Fatalf("Process: delivered=%v err=%v", ok, err)
			}
			checkNV21(t, got, 8, 4, tt.y, tt.v, tt.u)
		})
	}
}

func TestConverterAsyncDeliversLater(t *testing.T) {
	t.Parallel()

	ctx := newContext(t)
	src := solid(t, ctx, 4, 4, color.RGBA{255, 255, 255, 255})
	c := NewConverter(ctx, nil)
	if err := c.Init(4, 4, true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer c.Destroy()
	if !c.Async() {
		t.Fatal("expected async readback")
	}

	var got []byte
	deliver := func(nv21 []byte, _, _ int) { got = append([]byte(nil), nv21...) }

	ok, err := c.Process(src.Texture(), geom.Identity(), deliver)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ok {
		t.Fatal("first async Process delivered a frame")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !ok {
		if time.Now().After(deadline) {
			t.Fatal("no frame delivered before deadline")
		}
		time.Sleep(time.Millisecond)
		ok, err = c.Process(src.Texture(), geom.Identity(), deliver)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	checkNV21(t, got, 4, 4, 255, 128, 128)
}

func TestConverterRejectsOddSize(t *testing.T) {
	t.Parallel()

	c := NewConverter(newContext(t), nil)
	if err := c.Init(3, 4, false); err == nil {
		t.Fatal("expected error for odd width")
	}
	if _, err := c.Process(nil, geom.Identity(), func([]byte, int, int) {}); err == nil {
		t.Fatal("expected error from uninitialized converter")
	}
}

// gateSink blocks Publish until released, reporting every entry.
type gateSink struct {
	entered chan struct{}
	release chan struct{}
	latest  *delivery.Latest
}

func newGateSink() *gateSink {
	return &gateSink{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
		latest:  delivery.NewLatest(),
	}
}

func (g *gateSink) Acquire(size int) []byte { return g.latest.Acquire(size) }

func (g *gateSink) Publish(buf []byte, w, h int) {
	g.entered <- struct{}{}
	<-g.release
	g.latest.Publish(buf, w, h)
}

func TestAsyncConverterDropsOldest(t *testing.T) {
	t.Parallel()

	ctx := newContext(t)
	src := solid(t, ctx, 4, 4, color.RGBA{0, 0, 0, 255})
	sink := newGateSink()
	a := New(ctx, sink, Options{SyncReadback: true})
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var once sync.Once
	unblock := func() { once.Do(func() { close(sink.release) }) }
	defer a.Destroy()
	defer unblock()

	task := Task{Source: src.Texture(), Width: 4, Height: 4, Mode: geom.WorkModeScanQRCode, Fix: geom.Identity()}
	task.Frame = 0
	a.Submit(task)
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never delivered the first task")
	}

	for i := int64(1); i <= 5; i++ {
		task.Frame = i
		a.Submit(task)
	}
	pending := a.Pending()
	if len(pending) != TaskCapacity {
		t.Fatalf("got %d pending, want %d", len(pending), TaskCapacity)
	}
	for i, want := range []int64{3, 4, 5} {
		if pending[i].Frame != want {
			t.Errorf("pending[%d]: got frame %d, want %d", i, pending[i].Frame, want)
		}
	}
	if got := a.Dropped(); got != 2 {
		t.Errorf("got %d dropped, want 2", got)
	}
	unblock()
}

func TestAsyncConverterSwapsNormalDims(t *testing.T) {
	t.Parallel()

	ctx := newContext(t)
	src := solid(t, ctx, 4, 8, color.RGBA{255, 255, 255, 255})
	sink := delivery.NewLatest()
	a := New(ctx, sink, Options{SyncReadback: true})
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Destroy()
	if err := a.Start(); err == nil {
		t.Fatal("second Start: expected error")
	}

	a.Submit(Task{Source: src.Texture(), Width: 4, Height: 8, Mode: geom.WorkModeNormal, Fix: geom.Identity()})

	deadline := time.Now().Add(2 * time.Second)
	for a.Delivered() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no frame delivered before deadline")
		}
		time.Sleep(time.Millisecond)
	}
	f, _ := sink.Snapshot()
	if f.Width != 8 || f.Height != 4 {
		t.Fatalf("got %dx%d, want 8x4", f.Width, f.Height)
	}
	checkNV21(t, f.Data, 8, 4, 255, 128, 128)
	if a.Delivered() != 1 {
		t.Errorf("got %d delivered, want 1", a.Delivered())
	}
}

func TestAsyncConverterStoppedDropsTasks(t *testing.T) {
	t.Parallel()

	a := New(newContext(t), delivery.NewLatest(), Options{})
	a.Submit(Task{Frame: 1})
	if len(a.Pending()) != 0 {
		t.Fatal("stopped converter queued a task")
	}
	if a.Dropped() != 1 {
		t.Errorf("got %d dropped, want 1", a.Dropped())
	}
	a.Destroy()
}

func TestAsyncConverterRemembersRejectedSize(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	ctx := newContext(t)
	src := solid(t, ctx, 4, 4, color.RGBA{255, 255, 255, 255})
	a := New(ctx, delivery.NewLatest(), Options{
		SyncReadback: true,
		Logger:       slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	odd := Task{Source: src.Texture(), Width: 3, Height: 4, Mode: geom.WorkModeScanQRCode, Fix: geom.Identity()}
	a.Submit(odd)
	a.Submit(odd)
	a.Submit(Task{Source: src.Texture(), Width: 4, Height: 4, Mode: geom.WorkModeScanQRCode, Fix: geom.Identity()})

	deadline := time.Now().Add(2 * time.Second)
	for a.Delivered() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("valid task not delivered after rejected ones")
		}
		time.Sleep(time.Millisecond)
	}
	a.Destroy()

	if got := strings.Count(logs.String(), "extraction disabled for preview size"); got != 1 {
		t.Errorf("got %d rejections logged, want 1", got)
	}
	if a.Dropped() != 0 {
		t.Errorf("got %d dropped, want 0", a.Dropped())
	}
}
