// Package source defines the demuxer input consumed by the pipeline and
// the timestamp rebasing applied to everything it reads.
package source

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zsiec/vcam/media"
)

// Errors returned when opening a source.
var (
	ErrNoVideoTrack     = errors.New("source: no video track")
	ErrUnsupportedCodec = errors.New("source: unsupported codec")
	ErrInvalidLocation  = errors.New("source: invalid location")
)

// NoPTS marks a packet without a presentation timestamp.
const NoPTS int64 = -1 << 63

// RawPacket is a packet as read from the container. PTS is in microseconds
// of source time, before rebasing.
type RawPacket struct {
	Track media.Track
	// Selected is false for packets of streams other than the chosen video
	// and audio tracks.
	Selected bool
	Data     []byte
	PTS      int64
	KeyFrame bool
}

// Source is an opened, demuxable media input.
type Source interface {
	// ReadPacket returns the next packet, or io.EOF at the end of input.
	ReadPacket() (*RawPacket, error)
	// Seek moves to the keyframe at or before ts.
	Seek(ts time.Duration) error
	Video() (media.VideoParams, bool)
	Audio() (media.AudioParams, bool)
	Close() error
}

// Location names a media input: a URL (srt://, or anything the demuxer
// understands), a file path, or an open file. Offset and Length select a
// byte range of a path or file; a zero Length runs to the end.
type Location struct {
	URL    string
	Path   string
	File   *os.File
	Offset int64
	Length int64
}

// Validate reports whether exactly one input is set and the range is sane.
func (l Location) Validate() error {
	n := 0
	for _, set := range []bool{l.URL != "", l.Path != "", l.File != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: exactly one of url, path or fd is required", ErrInvalidLocation)
	}
	if l.Offset < 0 || l.Length < 0 {
		return fmt.Errorf("%w: negative range %d+%d", ErrInvalidLocation, l.Offset, l.Length)
	}
	if l.URL != "" && (l.Offset != 0 || l.Length != 0) {
		return fmt.Errorf("%w: byte range on a url", ErrInvalidLocation)
	}
	return nil
}

// IsSRT reports whether the location is an SRT URL.
func (l Location) IsSRT() bool {
	return strings.HasPrefix(l.URL, "srt://")
}

func (l Location) String() string {
	switch {
	case l.URL != "":
		return l.URL
	case l.File != nil:
		return fmt.Sprintf("fd:%d[%d+%d]", l.File.Fd(), l.Offset, l.Length)
	case l.Offset != 0 || l.Length != 0:
		return fmt.Sprintf("%s[%d+%d]", l.Path, l.Offset, l.Length)
	}
	return l.Path
}
