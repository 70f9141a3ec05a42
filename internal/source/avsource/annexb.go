package avsource

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/vcam/media"
)

// annexBFilter rewrites the video track to Annex-B with FFmpeg's
// mp4toannexb bitstream filters. Streams that are already Annex-B pass
// through unchanged.
type annexBFilter struct {
	name string
	par  *astiav.CodecParameters
	tb   astiav.Rational
	ctx  *astiav.BitStreamFilterContext
	out  *astiav.Packet
}

func annexBFilterName(mime string) string {
	switch mime {
	case media.MimeH264:
		return "h264_mp4toannexb"
	case media.MimeHEVC:
		return "hevc_mp4toannexb"
	}
	return ""
}

func newAnnexBFilter(mime string, cp *astiav.CodecParameters, tb astiav.Rational) (*annexBFilter, error) {
	name := annexBFilterName(mime)
	if name == "" {
		return nil, fmt.Errorf("avsource: no annex-b filter for %s", mime)
	}
	f := &annexBFilter{name: name, tb: tb, par: astiav.AllocCodecParameters()}
	if err := cp.Copy(f.par); err != nil {
		f.close()
		return nil, fmt.Errorf("avsource: copying codec parameters: %w", err)
	}
	if err := f.init(); err != nil {
		f.close()
		return nil, err
	}
	f.out = astiav.AllocPacket()
	return f, nil
}

func (f *annexBFilter) init() error {
	bsf := astiav.FindBitStreamFilterByName(f.name)
	if bsf == nil {
		return fmt.Errorf("avsource: bitstream filter %s not available", f.name)
	}
	ctx, err := astiav.AllocBitStreamFilterContext(bsf)
	if err != nil {
		return fmt.Errorf("avsource: allocating %s: %w", f.name, err)
	}
	if err := f.par.Copy(ctx.InputCodecParameters()); err != nil {
		ctx.Free()
		return fmt.Errorf("avsource: configuring %s: %w", f.name, err)
	}
	ctx.SetInputTimeBase(f.tb)
	if err := ctx.Initialize(); err != nil {
		ctx.Free()
		return fmt.Errorf("avsource: initializing %s: %w", f.name, err)
	}
	f.ctx = ctx
	return nil
}

// csd returns the parameter sets the filter emits as out-of-band Annex-B.
func (f *annexBFilter) csd() []byte {
	return append([]byte(nil), f.ctx.OutputCodecParameters().ExtraData()...)
}

// filter consumes pkt and returns its Annex-B payload.
func (f *annexBFilter) filter(pkt *astiav.Packet) ([]byte, error) {
	if err := f.ctx.SendPacket(pkt); err != nil {
		return nil, fmt.Errorf("avsource: %s: %w", f.name, err)
	}
	var out []byte
	for {
		if err := f.ctx.ReceivePacket(f.out); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return out, nil
			}
			return nil, fmt.Errorf("avsource: %s: %w", f.name, err)
		}
		out = append(out, f.out.Data()...)
		f.out.Unref()
	}
}

// reset drops any state buffered across a seek.
func (f *annexBFilter) reset() error {
	if f.ctx != nil {
		f.ctx.Free()
		f.ctx = nil
	}
	return f.init()
}

func (f *annexBFilter) close() {
	if f.ctx != nil {
		f.ctx.Free()
		f.ctx = nil
	}
	if f.out != nil {
		f.out.Free()
		f.out = nil
	}
	if f.par != nil {
		f.par.Free()
		f.par = nil
	}
}
