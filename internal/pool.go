package internal

import "sync"

// WorkerPool runs queued functions on a fixed number of goroutines. It is used for
// side-channel work (audit emission) which must not hold up the goroutine reading a
// collaborator's socket.
type WorkerPool struct {
	N  int
	ch chan func()

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerPool makes a pool of size n. The queue is buffered to n entries: with n
// in-flight and n queued, Queue blocks and TryQueue reports false, which bounds the
// memory held by work that a slow downstream has not yet accepted.
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	wp.wg.Add(wp.N)
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool and wait for queued work to drain. Safe to call more than once.
// Queueing work after Stop panics.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.ch)
	})
	wp.wg.Wait()
}

// Queue some work on the pool. May block until a slot frees up.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// TryQueue queues work without blocking. Returns false if the pool is saturated, in
// which case fn will never run.
func (wp *WorkerPool) TryQueue(fn func()) bool {
	select {
	case wp.ch <- fn:
		return true
	default:
		return false
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for fn := range wp.ch {
		fn()
	}
}
