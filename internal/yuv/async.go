package yuv

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/zsiec/vcam/internal/attach"
	"github.com/zsiec/vcam/internal/delivery"
	"github.com/zsiec/vcam/internal/geom"
	"github.com/zsiec/vcam/internal/gpu"
)

// TaskCapacity bounds the pending task queue. Submitting to a full queue
// drops the oldest task.
const TaskCapacity = 3

var errAlreadyRunning = errors.New("yuv: converter already running")

// Task asks the worker to convert one rendered frame.
type Task struct {
	Source gpu.Texture
	Width  int
	Height int
	Mode   geom.WorkMode
	Fix    geom.Mat4
	Frame  int64
}

// Options configures an AsyncConverter.
type Options struct {
	// SyncReadback reads planes back immediately instead of through fenced
	// transfer buffers.
	SyncReadback bool
	Runtime      attach.Runtime
	Logger       *slog.Logger
}

// AsyncConverter runs NV21 conversion on its own goroutine, locked to an
// OS thread and bound to a context shared with the render context.
type AsyncConverter struct {
	log  *slog.Logger
	main gpu.Context
	sink delivery.Sink
	opts Options

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	running bool
	done    chan struct{}

	dropped   atomic.Int64
	delivered atomic.Int64

	// Owned by the worker: the last size the converter rejected.
	badW, badH int
}

// New creates a stopped converter delivering to sink. main is the render
// context whose textures the tasks reference.
func New(main gpu.Context, sink delivery.Sink, opts Options) *AsyncConverter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &AsyncConverter{
		log:  log.With("component", "yuv-worker"),
		main: main,
		sink: sink,
		opts: opts,
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Start creates the shared context on a fresh OS thread and starts the
// worker. It returns once the worker is accepting tasks or has failed.
func (a *AsyncConverter) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errAlreadyRunning
	}
	a.mu.Unlock()

	ready := make(chan error, 1)
	go a.run(ready)
	return <-ready
}

func (a *AsyncConverter) run(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx, err := a.main.NewShared()
	if err != nil {
		ready <- err
		return
	}
	if err := ctx.MakeCurrent(); err != nil {
		ctx.Destroy()
		ready <- err
		return
	}

	a.mu.Lock()
	a.running = true
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()
	ready <- nil
	defer close(done)

	a.log.Info("worker started")
	err = attach.Run(a.opts.Runtime, func() {
		conv := NewConverter(ctx, a.log)
		for {
			task, ok := a.next()
			if !ok {
				break
			}
			a.process(conv, task)
		}
		conv.Destroy()
	})
	if err != nil {
		a.log.Error("worker could not attach", "error", err)
		a.mu.Lock()
		a.running = false
		a.tasks = nil
		a.mu.Unlock()
	}
	ctx.Destroy()
	a.log.Info("worker exited")
}

func (a *AsyncConverter) next() (Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.running && len(a.tasks) == 0 {
		a.cond.Wait()
	}
	if !a.running {
		return Task{}, false
	}
	task := a.tasks[0]
	a.tasks[0] = Task{}
	a.tasks = a.tasks[1:]
	return task, true
}

func (a *AsyncConverter) process(conv *Converter, task Task) {
	w, h := task.Width, task.Height
	if task.Mode == geom.WorkModeNormal {
		w, h = h, w
	}
	if cw, ch := conv.Size(); cw != w || ch != h {
		if w == a.badW && h == a.badH {
			return
		}
		a.log.Info("resizing converter", "from_width", cw, "from_height", ch, "width", w, "height", h)
		if err := conv.Init(w, h, !a.opts.SyncReadback); err != nil {
			a.log.Warn("extraction disabled for preview size", "width", w, "height", h, "error", err)
			a.badW, a.badH = w, h
			return
		}
	}
	ok, err := conv.Process(task.Source, task.Fix, ToSink(a.sink))
	if err != nil {
		a.log.Warn("conversion failed", "frame", task.Frame, "error", err)
		return
	}
	if ok {
		a.delivered.Add(1)
	}
}

// Submit queues task, dropping the oldest pending task when full. Tasks
// submitted while stopped are dropped.
func (a *AsyncConverter) Submit(task Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		a.dropped.Add(1)
		return
	}
	if len(a.tasks) >= TaskCapacity {
		a.tasks = a.tasks[1:]
		a.dropped.Add(1)
	}
	a.tasks = append(a.tasks, task)
	a.cond.Signal()
}

// Pending returns a copy of the queued tasks, oldest first.
func (a *AsyncConverter) Pending() []Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Task(nil), a.tasks...)
}

// Dropped returns the number of tasks discarded without conversion.
func (a *AsyncConverter) Dropped() int64 { return a.dropped.Load() }

// Delivered returns the number of frames handed to the sink.
func (a *AsyncConverter) Delivered() int64 { return a.delivered.Load() }

// Destroy stops the worker and waits for it to release its resources. It
// is safe to call more than once.
func (a *AsyncConverter) Destroy() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.tasks = nil
	done := a.done
	a.cond.Broadcast()
	a.mu.Unlock()
	<-done
}
