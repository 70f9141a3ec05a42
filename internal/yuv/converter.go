// Package yuv converts RGBA render targets to NV21 on the GPU: a luma pass
// at full resolution and an interleaved V/U pass at half resolution, read
// back synchronously or through the triple-buffered readback engines.
package yuv

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/vcam/internal/delivery"
	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
	"github.com/zsiec/vcam/internal/readback"
)

var errNotInitialized = errors.New("yuv: converter not initialized")

// DeliverFunc receives one NV21 frame. nv21 is only valid for the duration
// of the call.
type DeliverFunc func(nv21 []byte, w, h int)

// ToSink returns a DeliverFunc that copies each frame into s.
func ToSink(s delivery.Sink) DeliverFunc {
	return func(nv21 []byte, w, h int) {
		buf := s.Acquire(len(nv21))
		copy(buf, nv21)
		s.Publish(buf, w, h)
	}
}

// FrameSize returns the NV21 byte size of a w x h image.
func FrameSize(w, h int) int { return w * h * 3 / 2 }

// Converter renders the Y and VU planes of a texture and reads them back.
// It belongs to the goroutine that owns its context.
type Converter struct {
	log    *slog.Logger
	ctx    gpu.Context
	w, h   int
	async  bool
	luma   gpu.Target
	chroma gpu.Target
	yRead  *readback.Engine
	uvRead *readback.Engine
	nv21   []byte
}

// NewConverter creates an uninitialized converter issuing commands on ctx.
func NewConverter(ctx gpu.Context, log *slog.Logger) *Converter {
	if log == nil {
		log = slog.Default()
	}
	return &Converter{ctx: ctx, log: log}
}

// Init allocates the plane targets for a w x h output. With async set it
// also builds two readback engines, falling back to synchronous reads if
// they cannot be created. Width and height must be even.
func (c *Converter) Init(w, h int, async bool) error {
	c.Destroy()
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return fmt.Errorf("yuv: invalid output size %dx%d", w, h)
	}

	luma, err := c.ctx.NewTarget(w, h, gpu.FormatR8)
	if err != nil {
		return fmt.Errorf("yuv: luma target: %w", err)
	}
	c.luma = luma
	chroma, err := c.ctx.NewTarget(w/2, h/2, gpu.FormatRG8)
	if err != nil {
		c.Destroy()
		return fmt.Errorf("yuv: chroma target: %w", err)
	}
	c.chroma = chroma

	c.w, c.h = w, h
	c.nv21 = make([]byte, FrameSize(w, h))
	c.async = async
	if async {
		if err := c.initReadback(); err != nil {
			c.log.Warn("async readback unavailable, using synchronous reads", "error", err)
			c.async = false
		}
	}

	mode := "sync"
	if c.async {
		mode = "async"
	}
	c.log.Info("converter initialized", "mode", mode, "width", w, "height", h)
	return nil
}

func (c *Converter) initReadback() error {
	y, err := readback.New(c.ctx, c.w, c.h, gpu.FormatR8)
	if err != nil {
		return err
	}
	uv, err := readback.New(c.ctx, c.w/2, c.h/2, gpu.FormatRG8)
	if err != nil {
		y.Destroy()
		return err
	}
	c.yRead, c.uvRead = y, uv
	return nil
}

// Size returns the output dimensions, zero when uninitialized.
func (c *Converter) Size() (int, int) { return c.w, c.h }

// Async reports whether the converter reads back through fences.
func (c *Converter) Async() bool { return c.async }

// Process converts src sampled through fix. In sync mode deliver runs
// before Process returns with the frame just drawn. In async mode it runs
// with the frame of an earlier call whose copy has completed, or not at
// all. Process reports whether deliver was called.
func (c *Converter) Process(src gpu.Texture, fix geom.Mat4, deliver DeliverFunc) (bool, error) {
	if c.luma == nil {
		return false, errNotInitialized
	}
	if err := c.ctx.Draw(gpu.Pass{Program: gpu.ProgramLuma, Source: src, TexMatrix: fix, Target: c.luma}); err != nil {
		return false, fmt.Errorf("yuv: luma pass: %w", err)
	}
	if err := c.ctx.Draw(gpu.Pass{Program: gpu.ProgramChroma, Source: src, TexMatrix: fix, Target: c.chroma}); err != nil {
		return false, fmt.Errorf("yuv: chroma pass: %w", err)
	}

	ySize := c.w * c.h
	if !c.async {
		if err := c.ctx.ReadPixels(c.luma, c.nv21[:ySize]); err != nil {
			return false, fmt.Errorf("yuv: read luma: %w", err)
		}
		if err := c.ctx.ReadPixels(c.chroma, c.nv21[ySize:]); err != nil {
			return false, fmt.Errorf("yuv: read chroma: %w", err)
		}
		deliver(c.nv21, c.w, c.h)
		return true, nil
	}

	if err := c.yRead.StartAsyncRead(c.luma); err != nil {
		return false, err
	}
	if err := c.uvRead.StartAsyncRead(c.chroma); err != nil {
		return false, err
	}

	delivered := false
	if c.yRead.Ready() && c.uvRead.Ready() {
		y := c.yRead.TryMap()
		uv := c.uvRead.TryMap()
		if y != nil && uv != nil {
			copy(c.nv21, y)
			copy(c.nv21[ySize:], uv)
			deliver(c.nv21, c.w, c.h)
			delivered = true
		}
		c.uvRead.Unmap()
		c.yRead.Unmap()
	}
	c.yRead.Advance()
	c.uvRead.Advance()
	return delivered, nil
}

// Destroy releases every GPU resource. The converter can be re-initialized.
func (c *Converter) Destroy() {
	if c.yRead != nil {
		c.yRead.Destroy()
		c.yRead = nil
	}
	if c.uvRead != nil {
		c.uvRead.Destroy()
		c.uvRead = nil
	}
	if c.luma != nil {
		c.luma.Release()
		c.luma = nil
	}
	if c.chroma != nil {
		c.chroma.Release()
		c.chroma = nil
	}
	c.nv21 = nil
	c.w, c.h = 0, 0
}
