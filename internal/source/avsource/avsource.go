// Package avsource is the libavformat-backed media source. It opens files,
// byte ranges of files or descriptors through a custom IO context, and live
// MPEG-TS over SRT.
package avsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/vcam/internal/bitstream"
	"github.com/zsiec/vcam/internal/source"
	"github.com/zsiec/vcam/media"
)

const ioBufferSize = 1 << 20

// Options configures Open.
type Options struct {
	Logger *slog.Logger
}

// Demuxer reads the best video track and, when it is AAC, the best audio
// track of a container.
type Demuxer struct {
	log *slog.Logger
	fc  *astiav.FormatContext
	ioc *astiav.IOContext
	in  io.Closer
	pkt *astiav.Packet

	opened bool

	videoIdx int
	audioIdx int
	videoTB  astiav.Rational
	audioTB  astiav.Rational

	video    media.VideoParams
	audio    media.AudioParams
	hasAudio bool

	annexB *annexBFilter
	// pending holds the access units after the first of an ADTS packet.
	pending []*source.RawPacket
}

// Open opens loc and selects its tracks. A location without a video track
// fails with source.ErrNoVideoTrack, one whose video codec is neither H.264
// nor HEVC with source.ErrUnsupportedCodec.
func Open(ctx context.Context, loc source.Location, opts Options) (*Demuxer, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:      log.With("component", "avsource", "location", loc.String()),
		videoIdx: -1,
		audioIdx: -1,
	}
	if err := d.open(ctx, loc); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Probe opens and closes loc, reporting whether it is playable. An SRT
// listener location is only parsed, since probing it would consume the
// publisher's connection.
func Probe(ctx context.Context, loc source.Location, opts Options) error {
	if loc.IsSRT() {
		t, err := parseSRT(loc.URL)
		if err != nil {
			return fmt.Errorf("%w: %v", source.ErrInvalidLocation, err)
		}
		if t.Listen {
			return nil
		}
	}
	d, err := Open(ctx, loc, opts)
	if err != nil {
		return err
	}
	return d.Close()
}

func (d *Demuxer) open(ctx context.Context, loc source.Location) error {
	d.fc = astiav.AllocFormatContext()
	if d.fc == nil {
		return errors.New("avsource: allocating format context")
	}

	var format *astiav.InputFormat
	url := loc.URL
	switch {
	case loc.IsSRT():
		conn, err := connectSRT(ctx, loc.URL, d.log)
		if err != nil {
			return err
		}
		d.in = conn
		if err := d.customIO(conn.Read, nil, 0); err != nil {
			return err
		}
		format = astiav.FindInputFormat("mpegts")
		url = ""
	case loc.URL == "":
		r, err := openRange(loc)
		if err != nil {
			return err
		}
		d.in = r
		if err := d.customIO(r.Read, r.Seek, r.Size()); err != nil {
			return err
		}
		url = ""
	}

	if err := d.fc.OpenInput(url, format, nil); err != nil {
		return fmt.Errorf("avsource: opening input: %w", err)
	}
	d.opened = true
	if err := d.fc.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("avsource: finding stream info: %w", err)
	}
	return d.selectTracks()
}

// customIO routes the demuxer's reads through read and, if set, seek.
func (d *Demuxer) customIO(read func([]byte) (int, error), seek func(int64, int) (int64, error), size int64) error {
	readFunc := func(b []byte) (int, error) {
		n, err := read(b)
		if errors.Is(err, io.EOF) {
			if n > 0 {
				return n, nil
			}
			return 0, astiav.ErrEof
		}
		return n, err
	}
	var seekFunc astiav.IOContextSeekFunc
	if seek != nil {
		seekFunc = func(offset int64, whence int) (int64, error) {
			const avseekSize, avseekForce = 0x10000, 0x20000
			if whence&avseekSize != 0 {
				return size, nil
			}
			return seek(offset, whence&^avseekForce)
		}
	}
	ioc, err := astiav.AllocIOContext(ioBufferSize, false, readFunc, seekFunc, nil)
	if err != nil {
		return fmt.Errorf("avsource: allocating io context: %w", err)
	}
	d.ioc = ioc
	d.fc.SetPb(ioc)
	d.fc.SetFlags(d.fc.Flags().Add(astiav.FormatContextFlagCustomIo))
	return nil
}

func (d *Demuxer) selectTracks() error {
	for i, s := range d.fc.Streams() {
		cp := s.CodecParameters()
		switch cp.MediaType() {
		case astiav.MediaTypeVideo:
			if d.videoIdx < 0 {
				d.videoIdx = i
			}
		case astiav.MediaTypeAudio:
			if d.audioIdx < 0 {
				d.audioIdx = i
			}
		}
	}
	if d.videoIdx < 0 {
		return source.ErrNoVideoTrack
	}

	vs := d.fc.Streams()[d.videoIdx]
	vp := vs.CodecParameters()
	mime := mimeFor(vp.CodecID())
	if mime == "" || mime == media.MimeAAC {
		return fmt.Errorf("%w: video %s", source.ErrUnsupportedCodec, vp.CodecID())
	}
	d.videoTB = vs.TimeBase()
	f, err := newAnnexBFilter(mime, vp, d.videoTB)
	if err != nil {
		return err
	}
	d.annexB = f
	d.video = media.VideoParams{
		Mime:     mime,
		Width:    vp.Width(),
		Height:   vp.Height(),
		Rotation: rotation(vp),
		CSD:      f.csd(),
	}
	if d.video.Width <= 0 || d.video.Height <= 0 {
		if w, h, ok := bitstream.ProbeSize(mime, d.video.CSD); ok {
			d.video.Width, d.video.Height = w, h
		}
	}
	d.log.Info("video track",
		"index", d.videoIdx,
		"mime", mime,
		"width", d.video.Width,
		"height", d.video.Height,
		"rotation", d.video.Rotation,
	)

	if d.audioIdx >= 0 {
		d.selectAudio()
	} else {
		d.log.Warn("no audio track")
	}
	return nil
}

func (d *Demuxer) selectAudio() {
	as := d.fc.Streams()[d.audioIdx]
	ap := as.CodecParameters()
	if mimeFor(ap.CodecID()) != media.MimeAAC {
		d.log.Warn("audio codec not supported, playing video only", "codec", ap.CodecID().String())
		d.audioIdx = -1
		return
	}

	var cfg bitstream.AudioConfig
	var err error
	if extra := ap.ExtraData(); len(extra) > 0 {
		cfg, err = bitstream.ParseASC(extra)
	} else {
		cfg, err = bitstream.SynthesizeASC(ap.SampleRate(), ap.ChannelLayout().Channels())
	}
	if err != nil {
		d.log.Warn("audio configuration unusable, playing video only", "error", err)
		d.audioIdx = -1
		return
	}

	d.audioTB = as.TimeBase()
	d.audio = media.AudioParams{
		Mime:       media.MimeAAC,
		SampleRate: ap.SampleRate(),
		Channels:   ap.ChannelLayout().Channels(),
		CSD:        cfg.ASC,
	}
	if d.audio.SampleRate <= 0 {
		d.audio.SampleRate = cfg.SampleRate
	}
	if d.audio.Channels <= 0 {
		d.audio.Channels = cfg.Channels
	}
	d.hasAudio = true
	d.log.Info("audio track",
		"index", d.audioIdx,
		"sample_rate", d.audio.SampleRate,
		"channels", d.audio.Channels,
	)
}

func mimeFor(id astiav.CodecID) string {
	switch id {
	case astiav.CodecIDH264:
		return media.MimeH264
	case astiav.CodecIDHevc:
		return media.MimeHEVC
	case astiav.CodecIDAac:
		return media.MimeAAC
	}
	return ""
}

// rotation reads the clockwise display rotation from the display matrix
// carried in the track's side data.
func rotation(cp *astiav.CodecParameters) int {
	m, ok := cp.SideData().DisplayMatrix().Get()
	if !ok {
		return 0
	}
	return media.NormalizeRotation(m.Rotation())
}

// Video returns the selected video track.
func (d *Demuxer) Video() (media.VideoParams, bool) { return d.video, d.videoIdx >= 0 }

// Audio returns the selected audio track, if any.
func (d *Demuxer) Audio() (media.AudioParams, bool) { return d.audio, d.hasAudio }

// ReadPacket reads the next packet. Video packets are converted to Annex-B
// and ADTS headers are stripped from audio; every access unit of an ADTS
// packet is returned in turn.
func (d *Demuxer) ReadPacket() (*source.RawPacket, error) {
	if len(d.pending) > 0 {
		raw := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		return raw, nil
	}
	if d.pkt == nil {
		d.pkt = astiav.AllocPacket()
	}
	pkt := d.pkt
	if err := d.fc.ReadFrame(pkt); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("avsource: reading frame: %w", err)
	}
	defer pkt.Unref()

	raw := &source.RawPacket{PTS: source.NoPTS}
	idx := pkt.StreamIndex()
	var tb astiav.Rational
	switch {
	case idx == d.videoIdx:
		raw.Track = media.TrackVideo
		raw.Selected = true
		raw.KeyFrame = pkt.Flags().Has(astiav.PacketFlagKey)
		tb = d.videoTB
	case idx == d.audioIdx && d.hasAudio:
		raw.Track = media.TrackAudio
		raw.Selected = true
		tb = d.audioTB
	default:
		return raw, nil
	}

	if pts := pkt.Pts(); pts != astiav.NoPtsValue {
		raw.PTS = astiav.RescaleQ(pts, tb, astiav.NewRational(1, 1_000_000))
	}

	if raw.Track == media.TrackVideo {
		data, err := d.annexB.filter(pkt)
		if err != nil {
			return nil, fmt.Errorf("avsource: video packet: %w", err)
		}
		raw.Data = data
		return raw, nil
	}

	data := append([]byte(nil), pkt.Data()...)
	if !bitstream.IsADTS(data) {
		raw.Data = data
		return raw, nil
	}
	pkts, err := adtsPackets(data, raw.PTS)
	if err != nil {
		return nil, fmt.Errorf("avsource: audio packet: %w", err)
	}
	d.pending = append(d.pending, pkts[1:]...)
	return pkts[0], nil
}

// adtsPackets splits an ADTS packet stamped pts into one packet per access
// unit, each presented a frame after the one before.
func adtsPackets(data []byte, pts int64) ([]*source.RawPacket, error) {
	aus, cfg, err := bitstream.UnwrapADTS(data)
	if err != nil {
		return nil, err
	}
	pkts := make([]*source.RawPacket, len(aus))
	for i, au := range aus {
		p := &source.RawPacket{Track: media.TrackAudio, Selected: true, PTS: source.NoPTS, Data: au}
		if pts != source.NoPTS {
			p.PTS = pts + bitstream.AUOffset(i, cfg.SampleRate)
		}
		pkts[i] = p
	}
	return pkts, nil
}

// Seek moves every stream to the keyframe at or before ts.
func (d *Demuxer) Seek(ts time.Duration) error {
	if err := d.fc.SeekFrame(-1, ts.Microseconds(), astiav.NewSeekFlags(astiav.SeekFlagBackward)); err != nil {
		return fmt.Errorf("avsource: seek to %s: %w", ts, err)
	}
	d.pending = nil
	if d.annexB != nil {
		if err := d.annexB.reset(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the demuxer and its input.
func (d *Demuxer) Close() error {
	if d.annexB != nil {
		d.annexB.close()
		d.annexB = nil
	}
	d.pending = nil
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.fc != nil {
		if d.opened {
			d.fc.CloseInput()
			d.opened = false
		}
		d.fc.Free()
		d.fc = nil
	}
	if d.ioc != nil {
		d.ioc.Free()
		d.ioc = nil
	}
	var err error
	if d.in != nil {
		err = d.in.Close()
		d.in = nil
	}
	return err
}

var _ source.Source = (*Demuxer)(nil)
