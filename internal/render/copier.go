package render

import (
	"fmt"

	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
)

// Copier copies the latched external image into an RGBA target, applying
// the image's own transform. It owns a target for the single-buffered path
// and can also draw into a caller-supplied one.
type Copier struct {
	ctx    gpu.Context
	target gpu.Target
	w, h   int
}

// NewCopier creates an uninitialized copier on ctx.
func NewCopier(ctx gpu.Context) *Copier {
	return &Copier{ctx: ctx}
}

// Init allocates the copier's own w x h output target.
func (c *Copier) Init(w, h int) error {
	c.Destroy()
	t, err := c.ctx.NewTarget(w, h, gpu.FormatRGBA8)
	if err != nil {
		return fmt.Errorf("copier target: %w", err)
	}
	c.target = t
	c.w, c.h = w, h
	return nil
}

// Size returns the dimensions of the copier's own target.
func (c *Copier) Size() (int, int) { return c.w, c.h }

// Output returns the texture of the copier's own target.
func (c *Copier) Output() gpu.Texture {
	if c.target == nil {
		return nil
	}
	return c.target.Texture()
}

// Process draws img into dst, or into the copier's own target when dst is
// nil.
func (c *Copier) Process(img gpu.ExternalImage, dst gpu.Target) error {
	if dst == nil {
		dst = c.target
	}
	if dst == nil {
		return errNotInitializedCopier
	}
	return c.ctx.Draw(gpu.Pass{
		Program:   gpu.ProgramCopyExternal,
		Source:    img.Texture(),
		TexMatrix: img.TransformMatrix(),
		Target:    dst,
	})
}

// Destroy releases the copier's own target.
func (c *Copier) Destroy() {
	if c.target != nil {
		c.target.Release()
		c.target = nil
	}
	c.w, c.h = 0, 0
}

// Composite clears the window and draws src through fix.
func Composite(ctx gpu.Context, src gpu.Texture, fix geom.Mat4) error {
	return ctx.Draw(gpu.Pass{
		Program:   gpu.ProgramComposite,
		Source:    src,
		TexMatrix: fix,
		Clear:     true,
	})
}
