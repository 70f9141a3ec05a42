// Package delivery hands converted NV21 frames to their consumers. A sink
// has exactly one producer: the converter worker.
package delivery

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives NV21 frames. The producer fills the slice returned by
// Acquire and hands it back through Publish; the sink owns it afterwards.
type Sink interface {
	Acquire(size int) []byte
	Publish(buf []byte, w, h int)
}

// Frame is one published NV21 image.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Seq    uint64
	At     time.Time
}

// Latest keeps the most recently published frame for polling readers. It
// double buffers so the producer never writes the frame readers copy from.
type Latest struct {
	mu    sync.Mutex
	bufs  [2][]byte
	front int
	cur   Frame
	has   bool
	count atomic.Int64
}

// NewLatest creates an empty Latest sink.
func NewLatest() *Latest {
	return &Latest{}
}

// Acquire returns the back buffer resized to size.
func (l *Latest) Acquire(size int) []byte {
	back := 1 - l.front
	if cap(l.bufs[back]) < size {
		l.bufs[back] = make([]byte, size)
	}
	return l.bufs[back][:size]
}

// Publish makes buf the current frame.
func (l *Latest) Publish(buf []byte, w, h int) {
	l.mu.Lock()
	l.front = 1 - l.front
	l.bufs[l.front] = buf
	l.cur = Frame{Data: buf, Width: w, Height: h, Seq: l.cur.Seq + 1, At: time.Now()}
	l.has = true
	l.mu.Unlock()
	l.count.Add(1)
}

// Snapshot returns a copy of the current frame.
func (l *Latest) Snapshot() (Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.has {
		return Frame{}, false
	}
	f := l.cur
	f.Data = append([]byte(nil), l.cur.Data...)
	return f, true
}

// Published returns the number of frames published.
func (l *Latest) Published() int64 { return l.count.Load() }

// Tee publishes every frame to each of its sinks.
type Tee struct {
	sinks []Sink
	buf   []byte
}

// NewTee fans out to sinks. Nil sinks are skipped.
func NewTee(sinks ...Sink) *Tee {
	t := &Tee{}
	for _, s := range sinks {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
	return t
}

// Acquire returns a scratch buffer owned by the tee.
func (t *Tee) Acquire(size int) []byte {
	if cap(t.buf) < size {
		t.buf = make([]byte, size)
	}
	return t.buf[:size]
}

// Publish copies buf into every sink.
func (t *Tee) Publish(buf []byte, w, h int) {
	for _, s := range t.sinks {
		dst := s.Acquire(len(buf))
		copy(dst, buf)
		s.Publish(dst, w, h)
	}
}

// Discard drops every frame.
type Discard struct{ buf []byte }

// Acquire returns a reusable scratch buffer.
func (d *Discard) Acquire(size int) []byte {
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
	}
	return d.buf[:size]
}

// Publish does nothing.
func (d *Discard) Publish([]byte, int, int) {}
