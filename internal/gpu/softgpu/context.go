// Package softgpu is a CPU implementation of the gpu interfaces. Draws are
// executed immediately, split across goroutines by row band; pixel
// transfers run on a per-context copy engine so fences resolve
// asynchronously, as they do on real hardware.
package softgpu

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/zsiec/vcam/internal/gpu"
)

var errNoWindow = errors.New("softgpu: context has no window")

// Options tunes the software device.
type Options struct {
	// CopyLatency delays every asynchronous transfer, simulating a busy bus.
	CopyLatency time.Duration
	// Workers bounds the goroutines used per draw. Zero uses GOMAXPROCS.
	Workers int
}

// Driver creates software contexts.
type Driver struct {
	opts Options
}

// NewDriver creates a Driver.
func NewDriver(opts Options) *Driver {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Driver{opts: opts}
}

// NewContext creates a context presenting to w.
func (d *Driver) NewContext(w gpu.Window) (gpu.Context, error) {
	if w == nil {
		return nil, errNoWindow
	}
	ww, wh := w.Size()
	if ww <= 0 || wh <= 0 {
		return nil, fmt.Errorf("softgpu: invalid window size %dx%d", ww, wh)
	}
	c := newContext(d.opts)
	c.window = w
	c.framebuffer = newTexture(ww, wh, gpu.FormatRGBA8)
	return c, nil
}

// Context is a software rendering context.
type Context struct {
	opts        Options
	window      gpu.Window
	framebuffer *texture
	copies      *copyEngine
	destroyed   atomic.Bool
}

func newContext(opts Options) *Context {
	return &Context{
		opts:   opts,
		copies: newCopyEngine(opts.CopyLatency),
	}
}

func (c *Context) alive() error {
	if c.destroyed.Load() {
		return gpu.ErrReleased
	}
	return nil
}

// MakeCurrent is a no-op beyond the liveness check; software contexts are
// not thread-affine.
func (c *Context) MakeCurrent() error { return c.alive() }

// NewTarget allocates a render target.
func (c *Context) NewTarget(w, h int, f gpu.Format) (gpu.Target, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("softgpu: invalid target size %dx%d", w, h)
	}
	return &target{tex: newTexture(w, h, f)}, nil
}

// NewExternalImage creates an image the decoder can render into.
func (c *Context) NewExternalImage() (gpu.ExternalImage, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	return newExternal(), nil
}

// NewTransferBuffer allocates a buffer of size bytes.
func (c *Context) NewTransferBuffer(size int) (gpu.TransferBuffer, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("softgpu: invalid buffer size %d", size)
	}
	return &transferBuffer{data: make([]byte, size)}, nil
}

// ReadPixels copies t into dst immediately.
func (c *Context) ReadPixels(t gpu.Target, dst []byte) error {
	if err := c.alive(); err != nil {
		return err
	}
	tex, err := targetTexture(t)
	if err != nil {
		return err
	}
	tex.mu.RLock()
	defer tex.mu.RUnlock()
	if tex.released {
		return gpu.ErrReleased
	}
	if len(dst) < len(tex.pix) {
		return fmt.Errorf("softgpu: read of %d bytes into %d byte buffer", len(tex.pix), len(dst))
	}
	copy(dst, tex.pix)
	return nil
}

// ReadPixelsAsync snapshots t and hands the transfer to the copy engine.
func (c *Context) ReadPixelsAsync(t gpu.Target, buf gpu.TransferBuffer) error {
	if err := c.alive(); err != nil {
		return err
	}
	tex, err := targetTexture(t)
	if err != nil {
		return err
	}
	tb, ok := buf.(*transferBuffer)
	if !ok {
		return errors.New("softgpu: foreign transfer buffer")
	}

	tex.mu.RLock()
	if tex.released {
		tex.mu.RUnlock()
		return gpu.ErrReleased
	}
	if tb.Size() < len(tex.pix) {
		tex.mu.RUnlock()
		return fmt.Errorf("softgpu: read of %d bytes into %d byte buffer", len(tex.pix), tb.Size())
	}
	snap := make([]byte, len(tex.pix))
	copy(snap, tex.pix)
	tex.mu.RUnlock()

	c.copies.submit(copyJob{pix: snap, buf: tb})
	return nil
}

// FenceSync returns a fence covering every transfer issued so far.
func (c *Context) FenceSync() (gpu.Fence, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	return &fence{engine: c.copies, seq: c.copies.issued.Load()}, nil
}

// SwapBuffers presents the framebuffer to the window, top row first.
func (c *Context) SwapBuffers() error {
	if err := c.alive(); err != nil {
		return err
	}
	if c.window == nil {
		return errNoWindow
	}
	fb := c.framebuffer
	img := image.NewRGBA(image.Rect(0, 0, fb.w, fb.h))
	fb.mu.RLock()
	row := fb.w * 4
	for y := 0; y < fb.h; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+row], fb.pix[(fb.h-1-y)*row:])
	}
	fb.mu.RUnlock()
	return c.window.Present(img)
}

// NewShared creates a windowless context with its own copy engine.
func (c *Context) NewShared() (gpu.Context, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	return newContext(c.opts), nil
}

// Destroy retires pending transfers and invalidates the context.
func (c *Context) Destroy() {
	if c.destroyed.Swap(true) {
		return
	}
	c.copies.stop()
}

func targetTexture(t gpu.Target) (*texture, error) {
	tt, ok := t.(*target)
	if !ok || tt == nil {
		return nil, errors.New("softgpu: foreign render target")
	}
	return tt.tex, nil
}
