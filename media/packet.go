// Package media defines the packet and codec parameter types that flow
// through the vcam pipeline, from demuxing through decoding.
package media

import (
	"math"
	"time"
)

// QueueCapacity is the default depth of the demux-to-decoder packet queues.
// Enough to absorb a few seconds of interleaving skew between the tracks
// without letting a stalled decoder grow memory unbounded.
const QueueCapacity = 200

// RebaseTolerance is how far before the first video packet a packet may be
// stamped and still be kept (clamped to zero) instead of dropped.
const RebaseTolerance = 100 * time.Millisecond

// Track identifies which elementary stream a packet belongs to.
type Track uint8

// Tracks selected by the demuxer.
const (
	TrackVideo Track = iota
	TrackAudio
)

func (t Track) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	}
	return "unknown"
}

// Flags carries per-packet bits that are forwarded to the decoder.
type Flags uint32

// Packet flags. The values mirror the decoder buffer flags so a packet's
// flags can be queued to a decoder unchanged.
const (
	FlagKeyFrame    Flags = 1 << 0
	FlagEndOfStream Flags = 1 << 2
)

// Has reports whether all bits in f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Packet is one demuxed access unit. PTS is in microseconds, rebased so the
// first video packet of each playback loop is zero.
type Packet struct {
	Track Track
	Data  []byte
	PTS   int64
	Flags Flags
}

// EndOfStream returns a synthetic end-of-stream packet for the track.
func EndOfStream(t Track) *Packet {
	return &Packet{Track: t, Flags: FlagEndOfStream}
}

// IsEndOfStream reports whether p marks the end of its track.
func (p *Packet) IsEndOfStream() bool { return p.Flags.Has(FlagEndOfStream) }

// Decoder mime types.
const (
	MimeH264 = "video/avc"
	MimeHEVC = "video/hevc"
	MimeAAC  = "audio/mp4a-latm"
)

// VideoParams describes the selected video track. Width and Height are the
// coded dimensions; VisualWidth/VisualHeight account for rotation metadata.
type VideoParams struct {
	Mime     string
	Width    int
	Height   int
	Rotation int
	// CSD holds out-of-band codec configuration (Annex-B parameter sets).
	CSD []byte
}

// VisualSize returns the displayed dimensions: width and height swap when
// the stream is rotated by a quarter turn.
func (v VideoParams) VisualSize() (int, int) {
	if v.Rotation == 90 || v.Rotation == 270 {
		return v.Height, v.Width
	}
	return v.Width, v.Height
}

// NormalizeRotation maps a clockwise display angle in degrees to the
// nearest of 0, 90, 180 or 270.
func NormalizeRotation(deg float64) int {
	quarter := int(math.Round(deg/90)) % 4
	return (quarter + 4) % 4 * 90
}

// AudioParams describes the selected audio track.
type AudioParams struct {
	Mime       string
	SampleRate int
	Channels   int
	// CSD holds the AudioSpecificConfig for AAC.
	CSD []byte
}
