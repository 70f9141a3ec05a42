package delivery

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// FileSink appends raw NV21 frames to a file, one after another with no
// framing. Frames of a new size are logged so the stream can be split.
type FileSink struct {
	log    *slog.Logger
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	buf    []byte
	lastW  int
	lastH  int
	failed bool
	frames atomic.Int64
}

// NewFileSink creates or truncates path.
func NewFileSink(path string, log *slog.Logger) (*FileSink, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	return &FileSink{
		log: log.With("component", "file-sink", "path", path),
		f:   f,
		w:   bufio.NewWriterSize(f, 1<<20),
	}, nil
}

// Acquire returns a reusable buffer.
func (s *FileSink) Acquire(size int) []byte {
	if cap(s.buf) < size {
		s.buf = make([]byte, size)
	}
	return s.buf[:size]
}

// Publish writes buf. After the first write error the sink drops frames.
func (s *FileSink) Publish(buf []byte, w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed || s.w == nil {
		return
	}
	if w != s.lastW || h != s.lastH {
		s.log.Info("output frame size", "width", w, "height", h, "frame", s.frames.Load())
		s.lastW, s.lastH = w, h
	}
	if _, err := s.w.Write(buf); err != nil {
		s.log.Warn("write failed, dropping further frames", "error", err)
		s.failed = true
		return
	}
	s.frames.Add(1)
}

// Frames returns the number of frames written.
func (s *FileSink) Frames() int64 { return s.frames.Load() }

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	ferr := s.w.Flush()
	cerr := s.f.Close()
	s.w = nil
	if ferr != nil {
		return fmt.Errorf("flushing output file: %w", ferr)
	}
	if cerr != nil {
		return fmt.Errorf("closing output file: %w", cerr)
	}
	return nil
}
