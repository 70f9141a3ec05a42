package codec

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zsiec/vcam/media"
)

var (
	errNotStarted  = errors.New("codec: decoder not started")
	errReleased    = errors.New("codec: decoder released")
	errBadIndex    = errors.New("codec: invalid buffer index")
	errInputTooBig = errors.New("codec: input larger than buffer")
)

// Default adapter sizing.
const (
	DefaultInputBuffers   = 4
	DefaultVideoInputSize = 4 << 20
	DefaultAudioInputSize = 64 << 10
	DefaultMaxOutputs     = 4
	outputPollInterval    = time.Millisecond
)

// Output is one decoded unit produced by an Engine.
type Output struct {
	PTS   int64
	Image *image.RGBA
	PCM   []byte
}

// Engine is a send/receive decoder core, the shape software decoders
// expose. Adapter turns it into a buffer-queue Decoder.
type Engine interface {
	Open(f Format) error
	// Send copies data into the decoder. It returns ErrTryAgainLater when
	// output must be received first.
	Send(data []byte, ptsUs int64) error
	SendEndOfStream() error
	// Receive returns ErrTryAgainLater when more input is needed and
	// io.EOF once the stream has fully drained after end of stream.
	Receive() (Output, error)
	Flush() error
	Close()
}

// AdapterOptions sizes the buffer queues.
type AdapterOptions struct {
	InputBuffers int
	InputSize    int
	MaxOutputs   int
	Logger       *slog.Logger
}

type pendingInput struct {
	slot int
	size int
	pts  int64
	eos  bool
}

type outputSlot struct {
	info BufferInfo
	out  Output
}

// Adapter implements Decoder over an Engine. Inputs queued by the caller
// are fed to the engine lazily, as it accepts them; decoded outputs are
// collected up to MaxOutputs.
type Adapter struct {
	log    *slog.Logger
	engine Engine
	opts   AdapterOptions

	format     Format
	configured bool
	started    bool
	released   bool

	inputs  [][]byte
	free    []int
	held    []bool
	pending []pendingInput

	outputs   map[int]*outputSlot
	order     []int
	nextOut   int
	announced bool
	drained   bool

	decodeErrors atomic.Int64
}

// NewAdapter wraps e. Zero options take the defaults; the input size
// default depends on the configured mime type.
func NewAdapter(e Engine, opts AdapterOptions) *Adapter {
	if opts.InputBuffers <= 0 {
		opts.InputBuffers = DefaultInputBuffers
	}
	if opts.MaxOutputs <= 0 {
		opts.MaxOutputs = DefaultMaxOutputs
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		log:     log.With("component", "decoder"),
		engine:  e,
		opts:    opts,
		outputs: make(map[int]*outputSlot),
	}
}

// Configure opens the engine and sizes the input buffers.
func (a *Adapter) Configure(f Format) error {
	if a.released {
		return errReleased
	}
	if err := a.engine.Open(f); err != nil {
		return fmt.Errorf("configure %s: %w", f.Mime, err)
	}
	size := a.opts.InputSize
	if size <= 0 {
		size = DefaultAudioInputSize
		if strings.HasPrefix(f.Mime, "video/") {
			size = DefaultVideoInputSize
		}
	}
	a.inputs = make([][]byte, a.opts.InputBuffers)
	a.held = make([]bool, a.opts.InputBuffers)
	a.free = a.free[:0]
	for i := range a.inputs {
		a.inputs[i] = make([]byte, size)
		a.free = append(a.free, i)
	}
	a.format = f
	a.configured = true
	a.log = a.log.With("mime", f.Mime)
	return nil
}

// Start makes buffers available.
func (a *Adapter) Start() error {
	if a.released {
		return errReleased
	}
	if !a.configured {
		return errNotStarted
	}
	a.started = true
	return nil
}

// Stop flushes and stops handing out buffers.
func (a *Adapter) Stop() error {
	if !a.started {
		return nil
	}
	err := a.Flush()
	a.started = false
	return err
}

// Flush discards queued input and undelivered output. Previously dequeued
// indices become invalid.
func (a *Adapter) Flush() error {
	if a.released {
		return errReleased
	}
	if !a.configured {
		return nil
	}
	a.pending = a.pending[:0]
	a.free = a.free[:0]
	for i := range a.inputs {
		a.held[i] = false
		a.free = append(a.free, i)
	}
	clear(a.outputs)
	a.order = a.order[:0]
	a.drained = false
	if err := a.engine.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Release closes the engine. The adapter cannot be used afterwards.
func (a *Adapter) Release() {
	if a.released {
		return
	}
	a.released = true
	a.started = false
	a.engine.Close()
}

// DequeueInputBuffer returns a free input slot, polling until timeout.
func (a *Adapter) DequeueInputBuffer(timeout time.Duration) (int, error) {
	if !a.started {
		return -1, errNotStarted
	}
	deadline := time.Now().Add(timeout)
	for {
		a.pump()
		if n := len(a.free); n > 0 {
			i := a.free[0]
			a.free = a.free[1:]
			a.held[i] = true
			return i, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return -1, ErrTryAgainLater
		}
		time.Sleep(outputPollInterval)
	}
}

// InputBuffer returns the writable memory of slot i.
func (a *Adapter) InputBuffer(i int) []byte {
	if i < 0 || i >= len(a.inputs) {
		return nil
	}
	return a.inputs[i]
}

// QueueInputBuffer submits size bytes of slot i.
func (a *Adapter) QueueInputBuffer(i, size int, ptsUs int64, flags media.Flags) error {
	if !a.started {
		return errNotStarted
	}
	if i < 0 || i >= len(a.inputs) || !a.held[i] {
		return errBadIndex
	}
	if size < 0 || size > len(a.inputs[i]) {
		return errInputTooBig
	}
	a.held[i] = false
	a.pending = append(a.pending, pendingInput{
		slot: i,
		size: size,
		pts:  ptsUs,
		eos:  flags.Has(media.FlagEndOfStream),
	})
	a.pump()
	return nil
}

// DequeueOutputBuffer returns the next decoded buffer, polling until
// timeout. The first output reports ErrOutputFormatChanged once.
func (a *Adapter) DequeueOutputBuffer(timeout time.Duration) (int, BufferInfo, error) {
	if !a.started {
		return -1, BufferInfo{}, errNotStarted
	}
	deadline := time.Now().Add(timeout)
	for {
		a.pump()
		if len(a.order) > 0 {
			id := a.order[0]
			slot := a.outputs[id]
			if !a.announced && !slot.info.Flags.Has(media.FlagEndOfStream) {
				a.announced = true
				return -1, BufferInfo{}, ErrOutputFormatChanged
			}
			a.order = a.order[1:]
			return id, slot.info, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return -1, BufferInfo{}, ErrTryAgainLater
		}
		time.Sleep(outputPollInterval)
	}
}

// OutputBuffer returns the PCM of output i, or nil for video.
func (a *Adapter) OutputBuffer(i int) []byte {
	if s, ok := a.outputs[i]; ok {
		return s.out.PCM
	}
	return nil
}

// ReleaseOutputBuffer returns output i. With render set, a video frame is
// queued to the configured surface.
func (a *Adapter) ReleaseOutputBuffer(i int, render bool) error {
	s, ok := a.outputs[i]
	if !ok {
		return errBadIndex
	}
	delete(a.outputs, i)
	if render && s.out.Image != nil && a.format.Surface != nil {
		a.format.Surface.QueueImage(s.out.Image, s.info.PTS)
	}
	a.pump()
	return nil
}

// DecodeErrors returns how many inputs or outputs the engine rejected.
func (a *Adapter) DecodeErrors() int64 { return a.decodeErrors.Load() }

// pump moves pending input into the engine and decoded output out of it
// until neither side makes progress.
func (a *Adapter) pump() {
	for {
		progress := false
		for len(a.pending) > 0 {
			in := a.pending[0]
			var err error
			if in.eos {
				err = a.engine.SendEndOfStream()
			} else if in.size > 0 {
				err = a.engine.Send(a.inputs[in.slot][:in.size], in.pts)
			}
			if errors.Is(err, ErrTryAgainLater) {
				break
			}
			if err != nil {
				a.decodeErrors.Add(1)
				a.log.Debug("input rejected", "pts", in.pts, "error", err)
			}
			a.pending = a.pending[1:]
			a.free = append(a.free, in.slot)
			progress = true
		}
		for !a.drained && len(a.outputs) < a.opts.MaxOutputs {
			out, err := a.engine.Receive()
			if errors.Is(err, ErrTryAgainLater) {
				break
			}
			if errors.Is(err, io.EOF) {
				a.drained = true
				a.push(&outputSlot{info: BufferInfo{PTS: out.PTS, Flags: media.FlagEndOfStream}})
				progress = true
				break
			}
			if err != nil {
				a.decodeErrors.Add(1)
				a.log.Debug("decode failed", "error", err)
				break
			}
			a.push(&outputSlot{info: BufferInfo{Size: outputSize(out), PTS: out.PTS}, out: out})
			progress = true
		}
		if !progress {
			return
		}
	}
}

func (a *Adapter) push(s *outputSlot) {
	id := a.nextOut
	a.nextOut++
	a.outputs[id] = s
	a.order = append(a.order, id)
}

func outputSize(o Output) int {
	if o.Image != nil {
		return len(o.Image.Pix)
	}
	return len(o.PCM)
}

var _ Decoder = (*Adapter)(nil)
