package codec

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errSinkNotOpen = errors.New("codec: audio sink not open")

// NullSink discards audio but consumes it at the playback rate, so the
// audio clock advances in real time without an output device. Unpaced
// sinks return immediately.
type NullSink struct {
	Unpaced bool

	mu       sync.Mutex
	rate     int
	channels int
	open     bool
	started  time.Time
	queued   int64
	frames   atomic.Int64
	now      func() time.Time
	sleep    func(time.Duration)
}

// Open records the stream format.
func (s *NullSink) Open(sampleRate, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate, s.channels = sampleRate, channels
	s.open = true
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = time.Sleep
	}
	return nil
}

// Start restarts the playback timeline.
func (s *NullSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errSinkNotOpen
	}
	s.started = s.now()
	s.queued = 0
	return nil
}

// Stop does nothing beyond the open check.
func (s *NullSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errSinkNotOpen
	}
	return nil
}

// Flush forgets queued frames.
func (s *NullSink) Flush() error { return s.Start() }

// Write accounts for frames and, when paced, waits until they would have
// played.
func (s *NullSink) Write(pcm []byte, frames int) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return errSinkNotOpen
	}
	if s.started.IsZero() {
		s.started = s.now()
	}
	s.queued += int64(frames)
	var wait time.Duration
	if !s.Unpaced && s.rate > 0 {
		due := s.started.Add(time.Duration(s.queued) * time.Second / time.Duration(s.rate))
		wait = due.Sub(s.now())
	}
	sleep := s.sleep
	s.mu.Unlock()

	s.frames.Add(int64(frames))
	if wait > 0 {
		sleep(wait)
	}
	return nil
}

// Close marks the sink closed.
func (s *NullSink) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

// Frames returns the number of frames written.
func (s *NullSink) Frames() int64 { return s.frames.Load() }
