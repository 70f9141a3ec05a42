// Package avcodec decodes H.264, HEVC and AAC with FFmpeg. Decoded video is
// converted to RGBA, turned upright and queued to the configured surface;
// decoded audio is converted to interleaved signed 16-bit PCM.
package avcodec

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/vcam/internal/codec"
	"github.com/zsiec/vcam/media"
)

var errNotOpen = errors.New("avcodec: decoder not open")

var codecIDs = map[string]astiav.CodecID{
	media.MimeH264: astiav.CodecIDH264,
	media.MimeHEVC: astiav.CodecIDHevc,
	media.MimeAAC:  astiav.CodecIDAac,
}

// NewFactory returns a codec.Factory backed by FFmpeg software decoders.
func NewFactory(log *slog.Logger) codec.Factory {
	if log == nil {
		log = slog.Default()
	}
	return func(mime string) (codec.Decoder, error) {
		if _, ok := codecIDs[mime]; !ok {
			return nil, fmt.Errorf("%w: %s", codec.ErrUnsupported, mime)
		}
		e := &engine{log: log.With("component", "avcodec", "mime", mime)}
		return codec.NewAdapter(e, codec.AdapterOptions{Logger: log}), nil
	}
}

type engine struct {
	log    *slog.Logger
	format codec.Format

	decoder *astiav.Codec
	cc      *astiav.CodecContext
	pkt     *astiav.Packet
	frame   *astiav.Frame

	scaler    scaler
	resampler resampler
	lastPTS   int64
}

func (e *engine) Open(f codec.Format) error {
	id, ok := codecIDs[f.Mime]
	if !ok {
		return fmt.Errorf("%w: %s", codec.ErrUnsupported, f.Mime)
	}
	e.decoder = astiav.FindDecoder(id)
	if e.decoder == nil {
		return fmt.Errorf("no decoder for %s", f.Mime)
	}
	e.format = f
	e.pkt = astiav.AllocPacket()
	e.frame = astiav.AllocFrame()
	cc, err := e.openContext()
	if err != nil {
		return err
	}
	e.cc = cc
	return nil
}

// openContext allocates and opens a fresh codec context for e.format.
func (e *engine) openContext() (*astiav.CodecContext, error) {
	cc := astiav.AllocCodecContext(e.decoder)
	if cc == nil {
		return nil, errors.New("alloc codec context")
	}
	if len(e.format.CSD) > 0 {
		cp := astiav.AllocCodecParameters()
		err := cp.SetExtraData(e.format.CSD)
		if err == nil {
			err = cp.ToCodecContext(cc)
		}
		cp.Free()
		if err != nil {
			cc.Free()
			return nil, fmt.Errorf("codec parameters: %w", err)
		}
	}
	if e.format.Width > 0 {
		cc.SetWidth(e.format.Width)
		cc.SetHeight(e.format.Height)
	}
	if e.format.SampleRate > 0 {
		cc.SetSampleRate(e.format.SampleRate)
		switch e.format.Channels {
		case 1:
			cc.SetChannelLayout(astiav.ChannelLayoutMono)
		case 2:
			cc.SetChannelLayout(astiav.ChannelLayoutStereo)
		}
	}
	if err := cc.Open(e.decoder, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("open decoder: %w", err)
	}
	e.log.Debug("decoder opened", "name", e.decoder.Name())
	return cc, nil
}

func (e *engine) Send(data []byte, ptsUs int64) error {
	if e.cc == nil {
		return errNotOpen
	}
	if err := e.pkt.FromData(data); err != nil {
		return fmt.Errorf("packet from data: %w", err)
	}
	e.pkt.SetPts(ptsUs)
	err := e.cc.SendPacket(e.pkt)
	e.pkt.Unref()
	if errors.Is(err, astiav.ErrEagain) {
		return codec.ErrTryAgainLater
	}
	return err
}

func (e *engine) SendEndOfStream() error {
	if e.cc == nil {
		return errNotOpen
	}
	err := e.cc.SendPacket(nil)
	if errors.Is(err, astiav.ErrEof) {
		return nil
	}
	return err
}

func (e *engine) Receive() (codec.Output, error) {
	if e.cc == nil {
		return codec.Output{}, errNotOpen
	}
	err := e.cc.ReceiveFrame(e.frame)
	switch {
	case errors.Is(err, astiav.ErrEagain):
		return codec.Output{}, codec.ErrTryAgainLater
	case errors.Is(err, astiav.ErrEof):
		return codec.Output{PTS: e.lastPTS}, io.EOF
	case err != nil:
		return codec.Output{}, err
	}
	defer e.frame.Unref()

	pts := e.frame.Pts()
	if pts == astiav.NoPtsValue {
		pts = e.lastPTS
	}
	e.lastPTS = pts

	if e.frame.Width() > 0 {
		img, err := e.scaler.toRGBA(e.frame)
		if err != nil {
			return codec.Output{}, err
		}
		return codec.Output{PTS: pts, Image: codec.Rotate(img, e.format.Rotation)}, nil
	}
	pcm, err := e.resampler.toS16(e.frame)
	if err != nil {
		return codec.Output{}, err
	}
	return codec.Output{PTS: pts, PCM: pcm}, nil
}

// Flush replaces the codec context with a fresh one, which drops every
// buffered frame. If the new context cannot be opened the old one stays.
func (e *engine) Flush() error {
	if e.decoder == nil {
		return errNotOpen
	}
	cc, err := e.openContext()
	if err != nil {
		return err
	}
	if e.cc != nil {
		e.cc.Free()
	}
	e.cc = cc
	return nil
}

func (e *engine) Close() {
	if e.cc != nil {
		e.cc.Free()
		e.cc = nil
	}
	if e.pkt != nil {
		e.pkt.Free()
		e.pkt = nil
	}
	if e.frame != nil {
		e.frame.Free()
		e.frame = nil
	}
	e.scaler.close()
	e.resampler.close()
}
