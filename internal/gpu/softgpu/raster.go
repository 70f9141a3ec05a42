package softgpu

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
)

// minBandRows keeps bands large enough that goroutine overhead stays small
// next to the per-pixel work.
const minBandRows = 16

// Draw executes p immediately.
func (c *Context) Draw(p gpu.Pass) error {
	if err := c.alive(); err != nil {
		return err
	}

	src, err := sourceTexture(p.Source)
	if err != nil {
		return err
	}
	dst := c.framebuffer
	if p.Target != nil {
		if dst, err = targetTexture(p.Target); err != nil {
			return err
		}
	} else if dst == nil {
		return errNoWindow
	}
	if src == dst {
		return errors.New("softgpu: feedback loop, source is the target")
	}
	if want := programFormat(p.Program); dst.format != want {
		return fmt.Errorf("softgpu: program %d needs a %s target, got %s", p.Program, want, dst.format)
	}

	src.mu.RLock()
	defer src.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if src.released || dst.released {
		return gpu.ErrReleased
	}

	if p.Clear {
		clearBlack(dst)
	}
	c.raster(dst, src, p.TexMatrix, shaderFor(p.Program))
	return nil
}

func sourceTexture(t gpu.Texture) (*texture, error) {
	switch v := t.(type) {
	case *texture:
		return v, nil
	}
	return nil, errors.New("softgpu: foreign source texture")
}

func programFormat(p gpu.Program) gpu.Format {
	switch p {
	case gpu.ProgramLuma:
		return gpu.FormatR8
	case gpu.ProgramChroma:
		return gpu.FormatRG8
	}
	return gpu.FormatRGBA8
}

// shader writes one output texel from the sampled source colour.
type shader func(out []byte, r, g, b, a float32)

func shaderFor(p gpu.Program) shader {
	switch p {
	case gpu.ProgramLuma:
		return func(out []byte, r, g, b, _ float32) {
			out[0] = toByte(dot(gpu.LumaWeights, r, g, b))
		}
	case gpu.ProgramChroma:
		return func(out []byte, r, g, b, _ float32) {
			out[0] = toByte(dot(gpu.VWeights, r, g, b) + 0.5)
			out[1] = toByte(dot(gpu.UWeights, r, g, b) + 0.5)
		}
	}
	return func(out []byte, r, g, b, a float32) {
		out[0], out[1], out[2], out[3] = toByte(r), toByte(g), toByte(b), toByte(a)
	}
}

func dot(w [3]float32, r, g, b float32) float32 {
	return w[0]*r + w[1]*g + w[2]*b
}

func clearBlack(t *texture) {
	bpp := t.format.BytesPerPixel()
	for i := 0; i < len(t.pix); i += bpp {
		for j := 0; j < bpp; j++ {
			t.pix[i+j] = 0
		}
		if bpp == 4 {
			t.pix[i+3] = 255
		}
	}
}

// raster runs fn for every destination texel, sampling src at the
// transformed texture coordinate of the texel centre.
func (c *Context) raster(dst, src *texture, m geom.Mat4, fn shader) {
	bpp := dst.format.BytesPerPixel()
	invW, invH := 1/float32(dst.w), 1/float32(dst.h)

	rows := max(dst.h/c.opts.Workers, minBandRows)

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for y0 := 0; y0 < dst.h; y0 += rows {
		y1 := min(y0+rows, dst.h)
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				v := (float32(y) + 0.5) * invH
				line := dst.pix[y*dst.w*bpp:]
				for x := 0; x < dst.w; x++ {
					u := (float32(x) + 0.5) * invW
					su, sv := m.Apply(u, v)
					r, gg, b, a := src.texel(su, sv)
					fn(line[x*bpp:], r, gg, b, a)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
