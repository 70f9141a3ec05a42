package softgpu

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vcam/internal/gpu"
)

var errMapped = errors.New("softgpu: buffer already mapped")

type transferBuffer struct {
	mu       sync.Mutex
	data     []byte
	mapped   bool
	released bool
}

func (b *transferBuffer) Size() int { return len(b.data) }

func (b *transferBuffer) Map() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, gpu.ErrReleased
	}
	if b.mapped {
		return nil, errMapped
	}
	b.mapped = true
	return b.data, nil
}

func (b *transferBuffer) Unmap() {
	b.mu.Lock()
	b.mapped = false
	b.mu.Unlock()
}

func (b *transferBuffer) Release() {
	b.mu.Lock()
	b.released = true
	b.data = nil
	b.mu.Unlock()
}

// fence is signaled once the copy engine has retired every job issued
// before the fence was inserted.
type fence struct {
	engine *copyEngine
	seq    uint64
}

func (f *fence) Signaled() bool { return f.engine.completed.Load() >= f.seq }
func (f *fence) Release()       {}

type copyJob struct {
	pix []byte
	buf *transferBuffer
}

// copyEngine retires pixel transfers in submission order on its own
// goroutine, like a DMA queue running behind the command stream.
type copyEngine struct {
	jobs      chan copyJob
	latency   time.Duration
	issued    atomic.Uint64
	completed atomic.Uint64
	wg        sync.WaitGroup
}

func newCopyEngine(latency time.Duration) *copyEngine {
	e := &copyEngine{
		jobs:    make(chan copyJob, 16),
		latency: latency,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *copyEngine) submit(j copyJob) {
	e.issued.Add(1)
	e.jobs <- j
}

func (e *copyEngine) run() {
	defer e.wg.Done()
	for j := range e.jobs {
		if e.latency > 0 {
			time.Sleep(e.latency)
		}
		j.buf.mu.Lock()
		if !j.buf.released {
			copy(j.buf.data, j.pix)
		}
		j.buf.mu.Unlock()
		e.completed.Add(1)
	}
}

func (e *copyEngine) stop() {
	close(e.jobs)
	e.wg.Wait()
}
