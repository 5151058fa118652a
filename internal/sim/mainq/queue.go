// Package mainq hands work from network and I/O goroutines to the single
// simulation goroutine.
package mainq

import "sync"

// Queue is safe for concurrent Enqueue. Drain must only be called from the
// simulation goroutine. Functions run without the lock held, so they may
// enqueue more work; that work runs on the next Drain.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	spare   []func()
	notify  chan struct{}
	closed  bool
}

func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue schedules fn. It reports false after Close.
func (q *Queue) Enqueue(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after an Enqueue. It may fire with nothing pending.
func (q *Queue) Ready() <-chan struct{} { return q.notify }

// Drain runs every function queued so far and returns how many ran.
func (q *Queue) Drain() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = q.spare[:0]
	q.mu.Unlock()

	for i, fn := range batch {
		fn()
		batch[i] = nil
	}

	q.mu.Lock()
	q.spare = batch[:0]
	q.mu.Unlock()
	return len(batch)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects further work. Already queued functions still run on Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
