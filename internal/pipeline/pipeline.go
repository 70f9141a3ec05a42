// Package pipeline runs one playback session: a demux goroutine feeding
// bounded packet queues, an audio goroutine that drives the master clock,
// and a video goroutine that owns the render context, paces frames against
// that clock, composites them to the preview window and extracts NV21
// copies for delivery. At end of input the session loops.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vcam/internal/attach"
	"github.com/zsiec/vcam/internal/avsync"
	"github.com/zsiec/vcam/internal/codec"
	"github.com/zsiec/vcam/internal/delivery"
	"github.com/zsiec/vcam/internal/gpu"
	"github.com/zsiec/vcam/internal/queue"
	"github.com/zsiec/vcam/internal/session"
	"github.com/zsiec/vcam/internal/source"
	"github.com/zsiec/vcam/media"
)

// Polling intervals of the stage loops.
const (
	popTimeout    = 10 * time.Millisecond
	eosPoll       = 10 * time.Millisecond
	readRetry     = 5 * time.Millisecond
	restartSettle = 50 * time.Millisecond
	handshakePoll = time.Millisecond
)

var (
	errAlreadyStarted = errors.New("pipeline: already started")
	errNoWindow       = errors.New("pipeline: no window")
)

// Opener opens the media source for a session.
type Opener func(ctx context.Context) (source.Source, error)

// Config wires a pipeline to its collaborators.
type Config struct {
	Open     Opener
	Decoders codec.Factory
	// AudioSink plays the audio track. Nil selects a paced codec.NullSink.
	AudioSink codec.AudioSink
	GPU       gpu.Driver
	Window    gpu.Window
	Session   *session.State
	// Matrix is the host transform applied to the preview composite.
	Matrix *session.Matrix
	// Sink receives extracted NV21 frames. Nil discards them.
	Sink delivery.Sink
	// DoubleBuffer moves NV21 extraction to a worker goroutine, one frame
	// behind the display.
	DoubleBuffer  bool
	QueueCapacity int
	Runtime       attach.Runtime
	Logger        *slog.Logger
}

// Stats are the pipeline debug counters.
type Stats struct {
	PacketsDemuxed  int64 `json:"packetsDemuxed"`
	PacketsDropped  int64 `json:"packetsDropped"`
	FramesRendered  int64 `json:"framesRendered"`
	TasksDropped    int64 `json:"tasksDropped"`
	FramesDelivered int64 `json:"framesDelivered"`
	Loops           int64 `json:"loops"`
	AudioClock      int64 `json:"audioClockUs"`
	LastVideoPTS    int64 `json:"lastVideoPtsUs"`
	VideoQueue      int   `json:"videoQueueDepth"`
	AudioQueue      int   `json:"audioQueueDepth"`
	HasAudio        bool  `json:"hasAudio"`
}

// Pipeline is a single playback session. Start it once; Stop tears down
// every goroutine and resource.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	src        source.Source
	video      media.VideoParams
	audio      media.AudioParams
	hasAudio   bool
	videoQueue *queue.Queue[*media.Packet]
	audioQueue *queue.Queue[*media.Packet]
	vdec       codec.Decoder
	adec       codec.Decoder
	sink       codec.AudioSink

	clock   avsync.Clock
	wall    *avsync.WallClock
	rebaser source.Rebaser

	abort       atomic.Bool
	videoOutEOS atomic.Bool
	audioOutEOS atomic.Bool
	epoch       atomic.Uint64
	videoAck    atomic.Uint64
	audioAck    atomic.Uint64

	started  bool
	stages   sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	packetsDemuxed  atomic.Int64
	packetsDropped  atomic.Int64
	framesRendered  atomic.Int64
	framesDelivered atomic.Int64
	loops           atomic.Int64
	lastVideoPTS    atomic.Int64
	extract         atomic.Pointer[extractStats]
}

// extractStats reads counters owned by the async converter.
type extractStats struct {
	dropped   func() int64
	delivered func() int64
}

// New creates a stopped pipeline.
func New(cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = &delivery.Discard{}
	}
	if cfg.Matrix == nil {
		cfg.Matrix = session.NewMatrix()
	}
	if cfg.Session == nil {
		cfg.Session = session.New(log)
	}
	return &Pipeline{
		cfg:  cfg,
		log:  log.With("component", "pipeline"),
		wall: avsync.NewWallClock(),
		done: make(chan struct{}),
	}
}

// Start opens the source, configures the decoders and the audio sink, sets
// up rendering on the video goroutine and starts every stage. On failure
// everything built so far is torn down.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.started {
		return errAlreadyStarted
	}
	if p.cfg.Window == nil {
		return errNoWindow
	}
	p.started = true

	if err := p.setup(ctx); err != nil {
		p.releaseMedia()
		close(p.done)
		return err
	}

	ready := make(chan error, 1)
	go p.runVideo(ready)
	if err := <-ready; err != nil {
		<-p.done
		return fmt.Errorf("starting video: %w", err)
	}
	p.log.Info("pipeline started",
		"mime", p.video.Mime,
		"width", p.video.Width,
		"height", p.video.Height,
		"rotation", p.video.Rotation,
		"audio", p.hasAudio,
		"double_buffer", p.cfg.DoubleBuffer,
	)
	return nil
}

// setup builds everything that does not need the render goroutine.
func (p *Pipeline) setup(ctx context.Context) error {
	src, err := p.cfg.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	p.src = src

	video, ok := src.Video()
	if !ok || video.Mime == "" {
		return source.ErrNoVideoTrack
	}
	p.video = video

	p.videoQueue = queue.New[*media.Packet](p.cfg.QueueCapacity)
	p.audioQueue = queue.New[*media.Packet](p.cfg.QueueCapacity)

	vdec, err := p.cfg.Decoders(video.Mime)
	if err != nil {
		return fmt.Errorf("creating video decoder: %w", err)
	}
	p.vdec = vdec

	if audio, ok := src.Audio(); ok {
		if err := p.setupAudio(audio); err != nil {
			p.log.Warn("audio disabled", "error", err)
			p.releaseAudio()
		} else {
			p.audio = audio
			p.hasAudio = true
		}
	}
	return nil
}

func (p *Pipeline) setupAudio(audio media.AudioParams) error {
	adec, err := p.cfg.Decoders(audio.Mime)
	if err != nil {
		return fmt.Errorf("creating audio decoder: %w", err)
	}
	p.adec = adec
	if err := adec.Configure(codec.AudioFormat(audio)); err != nil {
		return err
	}
	if err := adec.Start(); err != nil {
		return fmt.Errorf("starting audio decoder: %w", err)
	}

	sink := p.cfg.AudioSink
	if sink == nil {
		sink = &codec.NullSink{}
	}
	if err := sink.Open(audio.SampleRate, audio.Channels); err != nil {
		return fmt.Errorf("opening audio sink: %w", err)
	}
	p.sink = sink
	// The audio stage starts playback once it runs.
	if err := sink.Stop(); err != nil {
		p.log.Debug("audio sink stop", "error", err)
	}
	return nil
}

func (p *Pipeline) releaseAudio() {
	if p.adec != nil {
		p.adec.Release()
		p.adec = nil
	}
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			p.log.Warn("closing audio sink", "error", err)
		}
		p.sink = nil
	}
}

// releaseMedia tears down the decoders, the sink and the source.
func (p *Pipeline) releaseMedia() {
	if p.vdec != nil {
		p.vdec.Release()
		p.vdec = nil
	}
	p.releaseAudio()
	if p.src != nil {
		if err := p.src.Close(); err != nil {
			p.log.Warn("closing source", "error", err)
		}
		p.src = nil
	}
}

// startStages launches the demux and audio goroutines.
func (p *Pipeline) startStages() {
	p.stages.Add(1)
	go p.stage("demux", p.runDemux)
	if p.hasAudio {
		p.stages.Add(1)
		go p.stage("audio", p.runAudio)
	}
}

func (p *Pipeline) stage(name string, body func()) {
	defer p.stages.Done()
	if err := attach.Run(p.cfg.Runtime, body); err != nil {
		p.log.Error("stage not started", "stage", name, "error", err)
		p.requestAbort()
	}
}

// requestAbort stops every loop and releases blocked queue waiters.
func (p *Pipeline) requestAbort() {
	p.abort.Store(true)
	if p.videoQueue != nil {
		p.videoQueue.Abort()
	}
	if p.audioQueue != nil {
		p.audioQueue.Abort()
	}
}

// Stop aborts the session and waits for teardown. It is safe to call more
// than once and after the session ended on its own.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if !p.started {
			return
		}
		p.requestAbort()
		<-p.done
		p.log.Info("pipeline stopped")
	})
}

// Done is closed once the session has fully torn down.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// AudioClock returns the current master clock in microseconds.
func (p *Pipeline) AudioClock() int64 { return p.clock.Now() }

// Stats returns a snapshot of the debug counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		PacketsDemuxed:  p.packetsDemuxed.Load(),
		PacketsDropped:  p.packetsDropped.Load(),
		FramesRendered:  p.framesRendered.Load(),
		FramesDelivered: p.framesDelivered.Load(),
		Loops:           p.loops.Load(),
		AudioClock:      p.clock.Now(),
		LastVideoPTS:    p.lastVideoPTS.Load(),
		HasAudio:        p.hasAudio,
	}
	if x := p.extract.Load(); x != nil {
		s.TasksDropped = x.dropped()
		s.FramesDelivered += x.delivered()
	}
	if p.videoQueue != nil {
		s.VideoQueue = p.videoQueue.Len()
		s.AudioQueue = p.audioQueue.Len()
	}
	return s
}

// clockNow is the pacing reference: the audio clock, or a wall clock
// started at the first frame when there is no audio.
func (p *Pipeline) clockNow() int64 {
	if p.hasAudio {
		return p.clock.Now()
	}
	return p.wall.Now()
}
