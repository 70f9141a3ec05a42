package softgpu

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
)

// ErrWindowClosed is returned by Present after Close.
var ErrWindowClosed = errors.New("softgpu: window closed")

// MemoryWindow is an off-screen gpu.Window that keeps the last presented
// frame for inspection.
type MemoryWindow struct {
	w, h   int
	mu     sync.Mutex
	last   *image.RGBA
	closed bool
	frames atomic.Int64
}

// NewMemoryWindow creates a window of the given size.
func NewMemoryWindow(w, h int) *MemoryWindow {
	return &MemoryWindow{w: w, h: h}
}

// Size returns the window dimensions.
func (m *MemoryWindow) Size() (int, int) { return m.w, m.h }

// Present stores a copy of frame.
func (m *MemoryWindow) Present(frame *image.RGBA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrWindowClosed
	}
	m.last = frame
	m.frames.Add(1)
	return nil
}

// Last returns the most recently presented frame, or nil.
func (m *MemoryWindow) Last() *image.RGBA {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Frames returns the number of frames presented.
func (m *MemoryWindow) Frames() int64 { return m.frames.Load() }

// Close makes further presents fail, as a destroyed surface would.
func (m *MemoryWindow) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
