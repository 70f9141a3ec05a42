package softgpu

import (
	"sync"

	"github.com/zsiec/vcam/internal/gpu"
)

// texture is a CPU pixel store in GL row order (row 0 at the bottom). The
// RWMutex stands in for the driver's implicit hazard tracking: draws take
// the source for reading and the destination for writing.
type texture struct {
	mu       sync.RWMutex
	w, h     int
	format   gpu.Format
	pix      []byte
	released bool
}

func newTexture(w, h int, f gpu.Format) *texture {
	return &texture{w: w, h: h, format: f, pix: make([]byte, w*h*f.BytesPerPixel())}
}

func (t *texture) Size() (int, int)   { return t.w, t.h }
func (t *texture) Format() gpu.Format { return t.format }

// texel returns the normalized channels of the texel nearest to (u, v),
// clamping to the edge. Missing channels read as 0, alpha as 1. The caller
// holds at least a read lock.
func (t *texture) texel(u, v float32) (r, g, b, a float32) {
	x := clampIndex(u, t.w)
	y := clampIndex(v, t.h)
	bpp := t.format.BytesPerPixel()
	p := t.pix[(y*t.w+x)*bpp:]
	const n = 1.0 / 255
	switch t.format {
	case gpu.FormatR8:
		return float32(p[0]) * n, 0, 0, 1
	case gpu.FormatRG8:
		return float32(p[0]) * n, float32(p[1]) * n, 0, 1
	}
	return float32(p[0]) * n, float32(p[1]) * n, float32(p[2]) * n, float32(p[3]) * n
}

func clampIndex(c float32, size int) int {
	if c <= 0 {
		return 0
	}
	i := int(c * float32(size))
	if i >= size {
		return size - 1
	}
	return i
}

func toByte(f float32) byte {
	if f <= 0 {
		return 0
	}
	if f >= 1 {
		return 255
	}
	return byte(f*255 + 0.5)
}

// target is a render target owning one texture.
type target struct {
	tex *texture
}

func (t *target) Texture() gpu.Texture { return t.tex }
func (t *target) Size() (int, int)     { return t.tex.w, t.tex.h }

func (t *target) Release() {
	t.tex.mu.Lock()
	t.tex.released = true
	t.tex.pix = nil
	t.tex.mu.Unlock()
}
