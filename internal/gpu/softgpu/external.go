package softgpu

import (
	"image"
	"sync"

	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
)

// external is an ExternalImage. Frames are stored top row first, exactly as
// decoded; the transform matrix flips them into GL orientation.
type external struct {
	mu         sync.Mutex
	pending    *image.RGBA
	pendingPTS int64
	pts        int64
	tex        *texture
	released   bool
}

func newExternal() *external {
	return &external{tex: newTexture(1, 1, gpu.FormatRGBA8)}
}

func (e *external) QueueImage(img *image.RGBA, ptsUs int64) {
	e.mu.Lock()
	e.pending = img
	e.pendingPTS = ptsUs
	e.mu.Unlock()
}

func (e *external) UpdateTexImage() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return gpu.ErrReleased
	}
	img, pts := e.pending, e.pendingPTS
	e.pending = nil
	e.mu.Unlock()

	if img == nil {
		return nil
	}

	w, h := img.Rect.Dx(), img.Rect.Dy()
	e.tex.mu.Lock()
	if e.tex.w != w || e.tex.h != h {
		e.tex.w, e.tex.h = w, h
		e.tex.pix = make([]byte, w*h*4)
	}
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		copy(e.tex.pix[y*w*4:], src)
	}
	e.tex.mu.Unlock()

	e.mu.Lock()
	e.pts = pts
	e.mu.Unlock()
	return nil
}

func (e *external) TransformMatrix() geom.Mat4 {
	return geom.AroundCenter(1, 1, 0, false, true)
}

func (e *external) Timestamp() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pts
}

func (e *external) Texture() gpu.Texture { return e.tex }

func (e *external) Release() {
	e.mu.Lock()
	e.released = true
	e.pending = nil
	e.mu.Unlock()
}
