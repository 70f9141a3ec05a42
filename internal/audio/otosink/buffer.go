package otosink

import (
	"errors"
	"sync"
	"time"
)

var (
	errClosed       = errors.New("otosink: closed")
	errWriteTimeout = errors.New("otosink: write timed out")
)

// pcmBuffer is the bounded byte queue between the audio stage and the
// player. Writers block while it is full; the player never blocks and
// reads silence when it runs dry.
type pcmBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	limit  int
	closed bool

	underruns int64
}

func newPCMBuffer(limit int) *pcmBuffer {
	b := &pcmBuffer{limit: limit}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends p, waiting up to timeout for room.
func (b *pcmBuffer) Write(p []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(p) > 0 {
		if b.closed {
			return errClosed
		}
		room := b.limit - len(b.data)
		if room <= 0 {
			if !time.Now().Before(deadline) {
				return errWriteTimeout
			}
			b.cond.Wait()
			continue
		}
		n := min(room, len(p))
		b.data = append(b.data, p[:n]...)
		p = p[n:]
	}
	return nil
}

// Read fills p from the queue and pads with silence.
func (b *pcmBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errClosed
	}
	n := copy(p, b.data)
	b.data = b.data[:copy(b.data, b.data[n:])]
	if n < len(p) {
		clear(p[n:])
		b.underruns++
	}
	b.cond.Broadcast()
	return len(p), nil
}

// Reset discards queued audio.
func (b *pcmBuffer) Reset() {
	b.mu.Lock()
	b.data = b.data[:0]
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *pcmBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *pcmBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
