package avcodec

import (
	"fmt"
	"image"

	"github.com/asticode/go-astiav"
)

// scaler converts decoded frames of any pixel format to packed RGBA.
type scaler struct {
	ssc  *astiav.SoftwareScaleContext
	dst  *astiav.Frame
	w, h int
	pix  astiav.PixelFormat
}

func (s *scaler) close() {
	if s.dst != nil {
		s.dst.Free()
		s.dst = nil
	}
	if s.ssc != nil {
		s.ssc.Free()
		s.ssc = nil
	}
}

func (s *scaler) ensure(src *astiav.Frame) error {
	w, h, pix := src.Width(), src.Height(), src.PixelFormat()
	if s.ssc != nil && w == s.w && h == s.h && pix == s.pix {
		return nil
	}
	s.close()

	ssc, err := astiav.CreateSoftwareScaleContext(w, h, pix, w, h, astiav.PixelFormatRgba, astiav.NewSoftwareScaleContextFlags())
	if err != nil {
		return fmt.Errorf("scale context %dx%d %s: %w", w, h, pix, err)
	}
	dst := astiav.AllocFrame()
	dst.SetWidth(w)
	dst.SetHeight(h)
	dst.SetPixelFormat(astiav.PixelFormatRgba)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("alloc rgba frame: %w", err)
	}
	s.ssc, s.dst = ssc, dst
	s.w, s.h, s.pix = w, h, pix
	return nil
}

// toRGBA returns a new image; the surface may hold on to it.
func (s *scaler) toRGBA(src *astiav.Frame) (*image.RGBA, error) {
	if err := s.ensure(src); err != nil {
		return nil, err
	}
	if err := s.ssc.ScaleFrame(src, s.dst); err != nil {
		return nil, fmt.Errorf("scale frame: %w", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
	if _, err := s.dst.ImageCopyToBuffer(img.Pix, 1); err != nil {
		return nil, fmt.Errorf("copy rgba: %w", err)
	}
	return img, nil
}

// resampler converts decoded audio to interleaved S16 at the source rate
// and layout.
type resampler struct {
	swr *astiav.SoftwareResampleContext
	dst *astiav.Frame
}

func (r *resampler) close() {
	if r.dst != nil {
		r.dst.Free()
		r.dst = nil
	}
	if r.swr != nil {
		r.swr.Free()
		r.swr = nil
	}
}

func (r *resampler) toS16(src *astiav.Frame) ([]byte, error) {
	if r.swr == nil {
		r.swr = astiav.AllocSoftwareResampleContext()
		r.dst = astiav.AllocFrame()
	}
	r.dst.Unref()
	r.dst.SetChannelLayout(src.ChannelLayout())
	r.dst.SetSampleRate(src.SampleRate())
	r.dst.SetSampleFormat(astiav.SampleFormatS16)
	if err := r.swr.ConvertFrame(src, r.dst); err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	b, err := r.dst.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("pcm bytes: %w", err)
	}
	n := r.dst.NbSamples() * src.ChannelLayout().Channels() * 2
	if n > len(b) {
		n = len(b)
	}
	return append([]byte(nil), b[:n]...), nil
}
