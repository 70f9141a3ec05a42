// Package renderer owns the lifecycle of the playback session: the chosen
// source, the camera session state and the pipeline bound to the current
// preview surface. Every registration of a surface restarts the pipeline.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/vcam/internal/attach"
	"github.com/zsiec/vcam/internal/codec"
	"github.com/zsiec/vcam/internal/delivery"
	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
	"github.com/zsiec/vcam/internal/pipeline"
	"github.com/zsiec/vcam/internal/session"
	"github.com/zsiec/vcam/internal/source"
)

// ErrNoSource is returned when a surface is registered before a source.
var ErrNoSource = errors.New("renderer: no source set")

// Options wires the controller to media and rendering backends.
type Options struct {
	// Probe checks that a location can be opened.
	Probe func(ctx context.Context, loc source.Location) error
	// Open opens a location for playback.
	Open          func(ctx context.Context, loc source.Location) (source.Source, error)
	Decoders      codec.Factory
	AudioSink     codec.AudioSink
	GPU           gpu.Driver
	Sink          delivery.Sink
	DoubleBuffer  bool
	QueueCapacity int
	Runtime       attach.Runtime
	// LogLevel, when set, is raised to error while logging is disabled.
	LogLevel *slog.LevelVar
	Logger   *slog.Logger
}

// Status is a point-in-time view of the controller.
type Status struct {
	Session   session.Snapshot `json:"session"`
	WorkMode  string           `json:"workMode"`
	Source    string           `json:"source,omitempty"`
	Starting  bool             `json:"starting,omitempty"`
	Running   bool             `json:"running"`
	StartedAt time.Time        `json:"startedAt,omitzero"`
	Pipeline  *pipeline.Stats  `json:"pipeline,omitempty"`
}

// Controller serializes source selection, session updates and pipeline
// restarts.
type Controller struct {
	log       *slog.Logger
	opts      Options
	state     *session.State
	matrix    *session.Matrix
	baseLevel slog.Level

	mu  sync.Mutex
	loc *source.Location
	run *run
}

// run is one pipeline start. err and startedAt are written before ready is
// closed.
type run struct {
	pipe      *pipeline.Pipeline
	cancel    context.CancelFunc
	ready     chan struct{}
	err       error
	startedAt time.Time
}

// New creates a controller. If opts.Logger is nil, slog.Default() is used.
func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	opts.Logger = log
	c := &Controller{
		log:    log.With("component", "renderer"),
		opts:   opts,
		state:  session.New(log),
		matrix: session.NewMatrix(),
	}
	if opts.LogLevel != nil {
		c.baseLevel = opts.LogLevel.Level()
	}
	return c
}

// SetSource probes loc and keeps it as the source for the next start. An
// invalid location leaves the current source unchanged.
func (c *Controller) SetSource(ctx context.Context, loc source.Location) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	if c.opts.Probe != nil {
		if err := c.opts.Probe(ctx, loc); err != nil {
			c.log.Warn("source rejected", "source", loc.String(), "error", err)
			return fmt.Errorf("probing %s: %w", loc, err)
		}
	}
	c.mu.Lock()
	c.loc = &loc
	c.mu.Unlock()
	c.log.Info("source set", "source", loc.String())
	return nil
}

// ResetSource forgets the source. A running pipeline keeps playing.
func (c *Controller) ResetSource() {
	c.mu.Lock()
	c.loc = nil
	c.mu.Unlock()
	c.log.Info("source reset")
}

// Source returns the current source.
func (c *Controller) Source() (source.Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loc == nil {
		return source.Location{}, false
	}
	return *c.loc, true
}

// RegisterSurface stops the pipeline, adopts win as the preview surface and
// starts a new pipeline on it. A nil win only stops.
//
// The source is opened in the background under a context owned by the
// controller, so a listener waiting for its publisher does not block other
// calls. RegisterSurface waits for the start to finish until ctx is done;
// after that the start carries on and Status reports it as starting.
func (c *Controller) RegisterSurface(ctx context.Context, win gpu.Window, format int) (session.Snapshot, error) {
	c.mu.Lock()
	c.stopLocked()
	if win == nil {
		snap := c.state.RegisterSurface(nil, "", 0)
		c.mu.Unlock()
		return snap, nil
	}
	snap := c.state.RegisterSurface(win, uuid.NewString(), format)
	r, err := c.startLocked(snap)
	c.mu.Unlock()
	if err != nil {
		return snap, err
	}

	select {
	case <-r.ready:
		return snap, r.err
	case <-ctx.Done():
		c.log.Info("renderer still starting", "session", snap.SurfaceID)
		return snap, nil
	}
}

// UnregisterSurface stops the pipeline and clears the surface.
func (c *Controller) UnregisterSurface() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.state.RegisterSurface(nil, "", 0)
}

// SessionID returns the id of the registered surface, or "" when none is.
// It does not take the controller lock and is safe to call from sinks.
func (c *Controller) SessionID() string { return c.state.Snapshot().SurfaceID }

// SetCamera records the active camera.
func (c *Controller) SetCamera(id string, sensorOrientation, pictureW, pictureH int) {
	c.state.UpdateCamera(id, sensorOrientation, pictureW, pictureH)
}

// SetDisplayOrientation records the display rotation in degrees.
func (c *Controller) SetDisplayOrientation(deg int) { c.state.SetDisplayOrientation(deg) }

// SetAPILevel records the camera API generation.
func (c *Controller) SetAPILevel(level int) { c.state.SetAPILevel(level) }

// SetMatrix replaces the external transform applied to the preview.
func (c *Controller) SetMatrix(m geom.Mat4) { c.matrix.Set(m) }

// Matrix returns the external transform.
func (c *Controller) Matrix() geom.Mat4 { return c.matrix.Get() }

// SetConfig updates the runtime toggles.
func (c *Controller) SetConfig(playSound, enableLog bool) {
	c.state.SetConfig(playSound, enableLog)
	if c.opts.LogLevel == nil {
		return
	}
	if enableLog {
		c.opts.LogLevel.Set(c.baseLevel)
	} else {
		c.opts.LogLevel.Set(slog.LevelError)
	}
}

// Status reports the session and, while running, the pipeline counters.
func (c *Controller) Status() Status {
	snap := c.state.Snapshot()
	st := Status{Session: snap, WorkMode: snap.Mode.String()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loc != nil {
		st.Source = c.loc.String()
	}
	r := c.run
	if r == nil {
		return st
	}
	select {
	case <-r.ready:
	default:
		st.Starting = true
		return st
	}
	if r.err != nil {
		return st
	}
	select {
	case <-r.pipe.Done():
	default:
		st.Running = true
		st.StartedAt = r.startedAt
	}
	stats := r.pipe.Stats()
	st.Pipeline = &stats
	return st
}

// Close stops the pipeline.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) startLocked(snap session.Snapshot) (*run, error) {
	if c.loc == nil {
		return nil, ErrNoSource
	}
	loc := *c.loc
	p := pipeline.New(pipeline.Config{
		Open: func(ctx context.Context) (source.Source, error) {
			return c.opts.Open(ctx, loc)
		},
		Decoders:      c.opts.Decoders,
		AudioSink:     c.opts.AudioSink,
		GPU:           c.opts.GPU,
		Window:        snap.Surface,
		Session:       c.state,
		Matrix:        c.matrix,
		Sink:          c.opts.Sink,
		DoubleBuffer:  c.opts.DoubleBuffer,
		QueueCapacity: c.opts.QueueCapacity,
		Runtime:       c.opts.Runtime,
		Logger:        c.opts.Logger.With("session", snap.SurfaceID),
	})
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{pipe: p, cancel: cancel, ready: make(chan struct{})}
	c.run = r
	go c.start(ctx, r)
	return r, nil
}

func (c *Controller) start(ctx context.Context, r *run) {
	err := r.pipe.Start(ctx)
	if err != nil {
		r.err = fmt.Errorf("starting renderer: %w", err)
	} else {
		r.startedAt = time.Now()
	}
	close(r.ready)

	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("renderer start failed", "error", err)
		}
		return
	}
	c.watch(r)
}

// watch logs a session that ended without being stopped.
func (c *Controller) watch(r *run) {
	<-r.pipe.Done()
	c.mu.Lock()
	current := c.run == r
	c.mu.Unlock()
	if current {
		c.log.Info("renderer session ended", "stats", r.pipe.Stats())
	}
}

// stopLocked cancels a start still opening its source, then tears the
// pipeline down.
func (c *Controller) stopLocked() {
	if c.run == nil {
		return
	}
	r := c.run
	c.run = nil
	r.cancel()
	<-r.ready
	r.pipe.Stop()
	if r.err == nil {
		c.log.Info("renderer stopped", "uptime", time.Since(r.startedAt).Round(time.Millisecond))
	}
}
