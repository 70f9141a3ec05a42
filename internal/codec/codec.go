// Package codec is the buffer-queue decoder interface the pipeline stages
// drive, and the audio output they write to. Decoders follow the
// dequeue/queue/release cycle of hardware codecs: input and output buffers
// are addressed by index and never block unless asked to.
package codec

import (
	"errors"
	"image"
	"time"

	"github.com/zsiec/vcam/media"
)

// Errors returned by Decoder.
var (
	// ErrTryAgainLater means no buffer is available right now.
	ErrTryAgainLater = errors.New("codec: try again later")
	// ErrOutputFormatChanged is reported once before the first output of a
	// new format. The caller simply dequeues again.
	ErrOutputFormatChanged = errors.New("codec: output format changed")
	// ErrUnsupported is returned by a Factory for an unknown mime type.
	ErrUnsupported = errors.New("codec: unsupported mime type")
)

// Surface receives rendered video output.
type Surface interface {
	QueueImage(img *image.RGBA, ptsUs int64)
}

// Format configures a decoder.
type Format struct {
	Mime string

	Width    int
	Height   int
	Rotation int
	// Surface receives frames released with render set. Video only.
	Surface Surface

	SampleRate int
	Channels   int

	CSD []byte
}

// VideoFormat builds the decoder format for a video track.
func VideoFormat(p media.VideoParams, s Surface) Format {
	return Format{Mime: p.Mime, Width: p.Width, Height: p.Height, Rotation: p.Rotation, Surface: s, CSD: p.CSD}
}

// AudioFormat builds the decoder format for an audio track.
func AudioFormat(p media.AudioParams) Format {
	return Format{Mime: p.Mime, SampleRate: p.SampleRate, Channels: p.Channels, CSD: p.CSD}
}

// BufferInfo describes a dequeued output buffer.
type BufferInfo struct {
	Size  int
	PTS   int64
	Flags media.Flags
}

// Decoder is a buffer-queue decoder. It is owned by one goroutine.
type Decoder interface {
	Configure(f Format) error
	Start() error
	Stop() error
	// Flush discards every queued input and pending output.
	Flush() error
	Release()

	DequeueInputBuffer(timeout time.Duration) (int, error)
	InputBuffer(i int) []byte
	QueueInputBuffer(i, size int, ptsUs int64, flags media.Flags) error

	DequeueOutputBuffer(timeout time.Duration) (int, BufferInfo, error)
	// OutputBuffer returns the data of an audio output buffer. Video
	// output goes to the surface instead and returns nil.
	OutputBuffer(i int) []byte
	ReleaseOutputBuffer(i int, render bool) error
}

// Factory creates an unconfigured decoder for a mime type.
type Factory func(mime string) (Decoder, error)

// AudioSink plays interleaved signed 16-bit PCM.
type AudioSink interface {
	Open(sampleRate, channels int) error
	Start() error
	Stop() error
	Flush() error
	// Write blocks until frames can be queued for playback.
	Write(pcm []byte, frames int) error
	Close() error
}
