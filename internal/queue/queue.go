// Package queue provides the bounded blocking FIFO that connects the demux
// stage to the decoder stages.
package queue

import (
	"sync"
	"time"

	"github.com/zsiec/vcam/media"
)

// Queue is a fixed-capacity FIFO safe for concurrent producers and
// consumers. Push blocks while the queue is full; Pop blocks up to a
// timeout. Abort releases every waiter and rejects further items until
// Reset.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	head     int
	size     int
	aborted  bool
}

// New creates a queue holding at most capacity items. A non-positive
// capacity selects media.QueueCapacity.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = media.QueueCapacity
	}
	q := &Queue[T]{items: make([]T, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends item, blocking while the queue is full. It returns false
// and drops the item if the queue is aborted before space frees up.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == len(q.items) && !q.aborted {
		q.notFull.Wait()
	}
	if q.aborted {
		return false
	}

	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	q.notEmpty.Signal()
	return true
}

// Pop removes the oldest item, waiting up to timeout for one to arrive.
// It returns false on timeout or when the queue is aborted; both are
// ordinary outcomes for a polling consumer.
func (q *Queue[T]) Pop(timeout time.Duration) (T, bool) {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 && !q.aborted && timeout > 0 {
		deadline := time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()

		for q.size == 0 && !q.aborted && time.Now().Before(deadline) {
			q.notEmpty.Wait()
		}
	}
	if q.aborted || q.size == 0 {
		return zero, false
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.notFull.Signal()
	return item, true
}

// Abort wakes all blocked producers and consumers. Subsequent pushes are
// dropped and pops return immediately until Reset. Safe to call repeatedly.
func (q *Queue[T]) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Reset discards queued items and clears the aborted state.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	q.clearLocked()
	q.aborted = false
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Drain removes and returns every queued item in FIFO order, regardless of
// the aborted state.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.size)
	for i := 0; i < q.size; i++ {
		out = append(out, q.items[(q.head+i)%len(q.items)])
	}
	q.clearLocked()
	q.notFull.Broadcast()
	return out
}

func (q *Queue[T]) clearLocked() {
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head = 0
	q.size = 0
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return len(q.items) }

// Aborted reports whether Abort has been called since the last Reset.
func (q *Queue[T]) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}
