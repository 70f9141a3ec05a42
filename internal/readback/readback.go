// Package readback implements a triple-buffered, fence-gated GPU-to-CPU
// pixel transfer. A read issued in one cycle is only mapped in a later
// cycle, and only once its fence has signaled, so the caller never waits on
// the GPU.
package readback

import (
	"fmt"

	"github.com/zsiec/vcam/internal/gpu"
)

// Slots is the number of transfer buffers in rotation.
const Slots = 3

// State is the fence state of one slot.
type State int

// Slot states.
const (
	Unsubmitted State = iota
	Submitted
	Signaled
)

func (s State) String() string {
	switch s {
	case Unsubmitted:
		return "unsubmitted"
	case Submitted:
		return "submitted"
	case Signaled:
		return "signaled"
	}
	return "unknown"
}

type slot struct {
	buf   gpu.TransferBuffer
	fence gpu.Fence
}

// Engine rotates three transfer buffers. It is not safe for concurrent use;
// it belongs to the goroutine that owns its context.
type Engine struct {
	ctx    gpu.Context
	w, h   int
	format gpu.Format
	size   int
	slots  [Slots]slot
	write  int
	read   int
	mapped bool
}

// New allocates three transfer buffers sized for a w x h image in format.
func New(ctx gpu.Context, w, h int, format gpu.Format) (*Engine, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("readback: invalid size %dx%d", w, h)
	}
	e := &Engine{
		ctx:    ctx,
		w:      w,
		h:      h,
		format: format,
		size:   w * h * format.BytesPerPixel(),
		read:   -1,
	}
	for i := range e.slots {
		buf, err := ctx.NewTransferBuffer(e.size)
		if err != nil {
			e.Destroy()
			return nil, fmt.Errorf("readback: buffer %d of %d bytes: %w", i, e.size, err)
		}
		e.slots[i].buf = buf
	}
	return e, nil
}

// Size returns the image dimensions the engine was built for.
func (e *Engine) Size() (int, int) { return e.w, e.h }

// BufferSize returns the byte size of one transfer buffer.
func (e *Engine) BufferSize() int { return e.size }

// StartAsyncRead issues a copy of target into the write slot and fences it.
// A fence left over from an earlier, never-mapped read of the slot is
// released first.
func (e *Engine) StartAsyncRead(target gpu.Target) error {
	s := &e.slots[e.write]
	if err := e.ctx.ReadPixelsAsync(target, s.buf); err != nil {
		return fmt.Errorf("readback: start read: %w", err)
	}
	if s.fence != nil {
		s.fence.Release()
		s.fence = nil
	}
	f, err := e.ctx.FenceSync()
	if err != nil {
		return fmt.Errorf("readback: fence: %w", err)
	}
	s.fence = f
	return nil
}

// State reports the fence state of slot i.
func (e *Engine) State(i int) State {
	s := e.slots[i]
	switch {
	case s.fence == nil:
		return Unsubmitted
	case s.fence.Signaled():
		return Signaled
	}
	return Submitted
}

// Ready reports whether TryMap would succeed now.
func (e *Engine) Ready() bool {
	return e.read >= 0 && !e.mapped && e.State(e.read) == Signaled
}

// TryMap maps the read slot if its copy has completed and returns nil
// otherwise. It never blocks.
func (e *Engine) TryMap() []byte {
	if !e.Ready() {
		return nil
	}
	s := &e.slots[e.read]
	s.fence.Release()
	s.fence = nil

	data, err := s.buf.Map()
	if err != nil {
		return nil
	}
	e.mapped = true
	return data[:e.size]
}

// Unmap releases the mapping returned by TryMap.
func (e *Engine) Unmap() {
	if e.read < 0 || !e.mapped {
		return
	}
	e.slots[e.read].buf.Unmap()
	e.mapped = false
}

// Advance rotates the slots: the slot just written becomes the read slot.
func (e *Engine) Advance() {
	e.Unmap()
	e.read = e.write
	e.write = (e.write + 1) % Slots
}

// Indices returns the current write and read slot indices. Read is -1
// until the first Advance.
func (e *Engine) Indices() (write, read int) { return e.write, e.read }

// Destroy releases every fence, then every buffer.
func (e *Engine) Destroy() {
	e.Unmap()
	for i := range e.slots {
		if f := e.slots[i].fence; f != nil {
			f.Release()
			e.slots[i].fence = nil
		}
	}
	for i := range e.slots {
		if b := e.slots[i].buf; b != nil {
			b.Release()
			e.slots[i].buf = nil
		}
	}
}
