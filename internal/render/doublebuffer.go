// Package render holds the render-side GPU resources of the video stage:
// the double-buffered RGBA target, the external image copier and the
// window composite pass.
package render

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/vcam/internal/gpu"
)

var (
	errNotInitialized       = errors.New("render: double buffer not initialized")
	errNotInitializedCopier = errors.New("render: copier not initialized")
)

// DoubleBuffer alternates between two RGBA targets. The renderer draws into
// the current one while a consumer reads the previous one. A consumer must
// have its work on the previous texture submitted before the next Swap.
type DoubleBuffer struct {
	log     *slog.Logger
	ctx     gpu.Context
	targets [2]gpu.Target
	current int
	w, h    int
	ready   bool
}

// NewDoubleBuffer creates an uninitialized double buffer on ctx.
func NewDoubleBuffer(ctx gpu.Context, log *slog.Logger) *DoubleBuffer {
	if log == nil {
		log = slog.Default()
	}
	return &DoubleBuffer{ctx: ctx, log: log}
}

// Init allocates both targets at w x h, tearing down any previous pair.
func (d *DoubleBuffer) Init(w, h int) error {
	if d.ready {
		d.Destroy()
	}
	for i := range d.targets {
		t, err := d.ctx.NewTarget(w, h, gpu.FormatRGBA8)
		if err != nil {
			d.Destroy()
			return fmt.Errorf("double buffer target %d: %w", i, err)
		}
		d.targets[i] = t
	}
	d.w, d.h = w, h
	d.current = 0
	d.ready = true
	d.log.Debug("double buffer initialized", "width", w, "height", h)
	return nil
}

// Initialized reports whether Init has succeeded since the last Destroy.
func (d *DoubleBuffer) Initialized() bool { return d.ready }

// Size returns the target dimensions.
func (d *DoubleBuffer) Size() (int, int) { return d.w, d.h }

// CurrentTarget is the target the renderer writes this frame.
func (d *DoubleBuffer) CurrentTarget() gpu.Target { return d.targets[d.current] }

// CurrentTexture is the texture of CurrentTarget.
func (d *DoubleBuffer) CurrentTexture() gpu.Texture { return d.targets[d.current].Texture() }

// PreviousTexture is the texture written during the previous frame.
func (d *DoubleBuffer) PreviousTexture() gpu.Texture { return d.targets[1-d.current].Texture() }

// Indices returns the current and previous slot indices.
func (d *DoubleBuffer) Indices() (current, previous int) { return d.current, 1 - d.current }

// Swap makes the current target the previous one.
func (d *DoubleBuffer) Swap() error {
	if !d.ready {
		return errNotInitialized
	}
	d.current = 1 - d.current
	return nil
}

// Destroy releases both targets.
func (d *DoubleBuffer) Destroy() {
	for i, t := range d.targets {
		if t != nil {
			t.Release()
			d.targets[i] = nil
		}
	}
	if d.ready {
		d.log.Debug("double buffer destroyed")
	}
	d.w, d.h = 0, 0
	d.current = 0
	d.ready = false
}
