// Package otosink plays decoded PCM through the system audio device.
package otosink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"
)

// WriteTimeout bounds how long Write waits for the device to make room.
const WriteTimeout = time.Second

// bufferDuration is how much audio may be queued ahead of the device.
const bufferDuration = 100 * time.Millisecond

var errFormatMismatch = errors.New("otosink: device already opened with another format")

// The platform allows a single output context per process.
var device struct {
	once     sync.Once
	ctx      *oto.Context
	err      error
	rate     int
	channels int
}

func openDevice(rate, channels int) (*oto.Context, error) {
	device.once.Do(func() {
		ctx, ready, err := oto.NewContext(rate, channels, oto.FormatSignedInt16LE)
		if err != nil {
			device.err = fmt.Errorf("open audio device: %w", err)
			return
		}
		<-ready
		device.ctx, device.rate, device.channels = ctx, rate, channels
	})
	if device.err != nil {
		return nil, device.err
	}
	if device.rate != rate || device.channels != channels {
		return nil, fmt.Errorf("%w: %d Hz x%d, want %d Hz x%d", errFormatMismatch,
			device.rate, device.channels, rate, channels)
	}
	return device.ctx, nil
}

// Sink is a codec.AudioSink on the default output device.
type Sink struct {
	log *slog.Logger

	mu     sync.Mutex
	player oto.Player
	buf    *pcmBuffer
}

// New returns an unopened sink.
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log.With("component", "audio-sink")}
}

// Open binds the sink to the device. The player starts paused.
func (s *Sink) Open(sampleRate, channels int) error {
	ctx, err := openDevice(sampleRate, channels)
	if err != nil {
		return err
	}
	limit := int(time.Duration(sampleRate) * bufferDuration / time.Second) * channels * 2
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = newPCMBuffer(limit)
	s.player = ctx.NewPlayer(s.buf)
	s.log.Info("audio sink opened", "sample_rate", sampleRate, "channels", channels)
	return nil
}

func (s *Sink) current() (oto.Player, *pcmBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return nil, nil, errClosed
	}
	return s.player, s.buf, nil
}

// Start resumes playback.
func (s *Sink) Start() error {
	p, _, err := s.current()
	if err != nil {
		return err
	}
	p.Play()
	return nil
}

// Stop pauses playback and keeps queued audio.
func (s *Sink) Stop() error {
	p, _, err := s.current()
	if err != nil {
		return err
	}
	p.Pause()
	return nil
}

// Flush drops queued audio.
func (s *Sink) Flush() error {
	_, b, err := s.current()
	if err != nil {
		return err
	}
	b.Reset()
	return nil
}

// Write queues interleaved S16 samples, blocking while the device buffer
// is full.
func (s *Sink) Write(pcm []byte, frames int) error {
	_, b, err := s.current()
	if err != nil {
		return err
	}
	if err := b.Write(pcm, WriteTimeout); err != nil {
		s.log.Warn("audio write failed", "frames", frames, "error", err)
		return err
	}
	return nil
}

// Close releases the player. The device stays open for the next sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	p, b := s.player, s.buf
	s.player, s.buf = nil, nil
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	b.Close()
	return p.Close()
}
