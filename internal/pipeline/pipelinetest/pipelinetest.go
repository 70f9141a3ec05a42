// Package pipelinetest provides an in-memory source and decoder engines
// for exercising a pipeline without media files or FFmpeg.
package pipelinetest

import (
	"bytes"
	"image"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/vcam/internal/codec"
	"github.com/zsiec/vcam/internal/source"
	"github.com/zsiec/vcam/media"
)

// FrameStep is the spacing of generated timestamps.
const FrameStep = 40 * time.Millisecond

// Origin is the source timestamp of the first generated packet, in
// microseconds. It is non-zero so rebasing is observable.
const Origin = 1_000_000

// FrameSize is the width and height of decoded test frames.
const FrameSize = 4

// Source replays a fixed interleaved packet list. Every frame also emits a
// packet on an unselected track.
type Source struct {
	mu      sync.Mutex
	packets []*source.RawPacket
	next    int
	video   media.VideoParams
	audio   *media.AudioParams
	seeks   int
	closed  bool
}

// NewSource generates frames video packets and, optionally, one audio
// packet per frame.
func NewSource(frames int, withAudio bool) *Source {
	s := &Source{video: media.VideoParams{Mime: media.MimeH264, Width: FrameSize, Height: FrameSize}}
	if withAudio {
		s.audio = &media.AudioParams{Mime: media.MimeAAC, SampleRate: 1000, Channels: 2}
	}
	for i := 0; i < frames; i++ {
		pts := Origin + int64(i)*FrameStep.Microseconds()
		s.packets = append(s.packets, &source.RawPacket{Track: media.TrackVideo, Selected: true, Data: []byte{byte(i)}, PTS: pts, KeyFrame: i == 0})
		if withAudio {
			s.packets = append(s.packets, &source.RawPacket{Track: media.TrackAudio, Selected: true, Data: []byte{byte(i)}, PTS: pts})
		}
		s.packets = append(s.packets, &source.RawPacket{Track: media.TrackAudio, Data: []byte{0xff}, PTS: pts})
	}
	return s
}

// WithoutVideo drops the video track description.
func (s *Source) WithoutVideo() *Source {
	s.video = media.VideoParams{}
	return s
}

func (s *Source) ReadPacket() (*source.RawPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.packets) {
		return nil, io.EOF
	}
	p := s.packets[s.next]
	s.next++
	return p, nil
}

func (s *Source) Seek(time.Duration) error {
	s.mu.Lock()
	s.next = 0
	s.seeks++
	s.mu.Unlock()
	return nil
}

func (s *Source) Video() (media.VideoParams, bool) { return s.video, s.video.Mime != "" }

func (s *Source) Audio() (media.AudioParams, bool) {
	if s.audio == nil {
		return media.AudioParams{}, false
	}
	return *s.audio, true
}

func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Seeks returns the number of Seek calls.
func (s *Source) Seeks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeks
}

var _ source.Source = (*Source)(nil)

// Engine decodes every input into one output at the input timestamp:
// a white FrameSize square for video, eight bytes of PCMLevel for audio.
// It records the first timestamp sent after opening and after each flush.
type Engine struct {
	Video bool

	mu         sync.Mutex
	queue      []codec.Output
	eos        bool
	flushes    int
	afterFlush bool
	starts     []int64
	sent       []int64
	blocked    bool
}

// PCMLevel is the byte value of every decoded audio sample.
const PCMLevel = 0x40

func (e *Engine) Open(codec.Format) error {
	e.mu.Lock()
	e.afterFlush = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) Send(_ []byte, pts int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.blocked {
		return codec.ErrTryAgainLater
	}
	e.sent = append(e.sent, pts)
	if e.afterFlush {
		e.starts = append(e.starts, pts)
		e.afterFlush = false
	}
	out := codec.Output{PTS: pts}
	if e.Video {
		img := image.NewRGBA(image.Rect(0, 0, FrameSize, FrameSize))
		for i := range img.Pix {
			img.Pix[i] = 0xff
		}
		out.Image = img
	} else {
		out.PCM = bytes.Repeat([]byte{PCMLevel}, 8)
	}
	e.queue = append(e.queue, out)
	return nil
}

func (e *Engine) SendEndOfStream() error {
	e.mu.Lock()
	e.eos = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) Receive() (codec.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) > 0 {
		o := e.queue[0]
		e.queue = e.queue[1:]
		return o, nil
	}
	if e.eos {
		return codec.Output{}, io.EOF
	}
	return codec.Output{}, codec.ErrTryAgainLater
}

func (e *Engine) Flush() error {
	e.mu.Lock()
	e.queue, e.eos = nil, false
	e.flushes++
	e.afterFlush = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) Close() {}

// Starts returns the first timestamp seen after open and after every
// flush.
func (e *Engine) Starts() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.starts...)
}

// Sent returns the timestamp of every accepted input.
func (e *Engine) Sent() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.sent...)
}

// Block makes Send refuse input with codec.ErrTryAgainLater until it is
// called with false.
func (e *Engine) Block(b bool) {
	e.mu.Lock()
	e.blocked = b
	e.mu.Unlock()
}

// Flushes returns the number of flushes.
func (e *Engine) Flushes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushes
}

// Engines pairs a video and an audio engine behind a codec.Factory.
type Engines struct {
	Video *Engine
	Audio *Engine
}

// NewEngines creates a fresh pair.
func NewEngines() *Engines {
	return &Engines{Video: &Engine{Video: true}, Audio: &Engine{}}
}

// Factory returns adapters over the pair, chosen by mime prefix.
func (e *Engines) Factory(mime string) (codec.Decoder, error) {
	if strings.HasPrefix(mime, "video/") {
		return codec.NewAdapter(e.Video, codec.AdapterOptions{}), nil
	}
	return codec.NewAdapter(e.Audio, codec.AdapterOptions{}), nil
}
