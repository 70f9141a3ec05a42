// Package avsync holds the audio master clock and the video pacing policy
// derived from it.
package avsync

import (
	"sync/atomic"
	"time"
)

// Pacing thresholds. A frame more than Threshold ahead of the clock waits,
// but never longer than MaxDelay so a clock jump after a loop restart or an
// audio underrun cannot stall the renderer.
const (
	Threshold = 10 * time.Millisecond
	MaxDelay  = 40 * time.Millisecond
)

// Delay returns how long a video frame stamped videoPTS should wait for a
// clock reading clockPTS (both in microseconds).
func Delay(videoPTS, clockPTS int64) time.Duration {
	diff := time.Duration(videoPTS-clockPTS) * time.Microsecond
	if diff <= Threshold {
		return 0
	}
	return min(diff, MaxDelay)
}

// Source reports the current presentation time in microseconds.
type Source interface {
	Now() int64
}

// Clock is the audio clock: the timestamp of the most recently written
// audio buffer. Readers tolerate staleness, so a single atomic suffices.
type Clock struct {
	pts atomic.Int64
}

// Set publishes a new audio timestamp.
func (c *Clock) Set(pts int64) { c.pts.Store(pts) }

// Now returns the last published audio timestamp.
func (c *Clock) Now() int64 { return c.pts.Load() }

// Reset returns the clock to zero for a new playback loop.
func (c *Clock) Reset() { c.pts.Store(0) }

// WallClock stands in for the audio clock when the source has no audio
// track. It starts counting on the first Now call after a Reset.
type WallClock struct {
	start atomic.Int64 // unix micros, zero when not started
	now   func() time.Time
}

// NewWallClock creates a stopped wall clock.
func NewWallClock() *WallClock {
	return &WallClock{now: time.Now}
}

// Now returns microseconds elapsed since the first call after Reset.
func (w *WallClock) Now() int64 {
	now := w.now().UnixMicro()
	if w.start.CompareAndSwap(0, now) {
		return 0
	}
	return now - w.start.Load()
}

// Reset restarts the clock at the next Now call.
func (w *WallClock) Reset() { w.start.Store(0) }
