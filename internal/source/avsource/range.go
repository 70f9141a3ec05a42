package avsource

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/zsiec/vcam/internal/source"
)

// rangeReader exposes a byte range of a file. It owns its descriptor: a
// caller-supplied file is duplicated so the caller may close its copy.
type rangeReader struct {
	*io.SectionReader
	f *os.File
}

func openRange(loc source.Location) (*rangeReader, error) {
	var f *os.File
	if loc.File != nil {
		fd, err := unix.Dup(int(loc.File.Fd()))
		if err != nil {
			return nil, fmt.Errorf("avsource: dup fd %d: %w", loc.File.Fd(), err)
		}
		f = os.NewFile(uintptr(fd), loc.File.Name())
	} else {
		var err error
		if f, err = os.Open(loc.Path); err != nil {
			return nil, fmt.Errorf("avsource: %w", err)
		}
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("avsource: stat: %w", err)
	}
	size := st.Size()
	if loc.Offset > size {
		f.Close()
		return nil, fmt.Errorf("%w: offset %d beyond size %d", source.ErrInvalidLocation, loc.Offset, size)
	}
	length := loc.Length
	if length == 0 || loc.Offset+length > size {
		length = size - loc.Offset
	}
	return &rangeReader{SectionReader: io.NewSectionReader(f, loc.Offset, length), f: f}, nil
}

func (r *rangeReader) Close() error { return r.f.Close() }
