// ============================================================================
// Market-Sizer Worker Pool - Bounded Unit Executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Run a fixed number of worker goroutines for one job
//
// Architecture:
//
//   runner loop ──Submit──► tasks ──► worker 1..N ──► results ──► runner loop
//                                          │
//                                          └──► observer (metrics)
//
// The runner never has more tasks in flight than workers, so Submit does
// not block in practice; the buffer only absorbs bursts.
//
// Lifecycle:
//   NewPool(opts...) ─► Start(ctx) ─► Submit / Results ─► Stop
//
// Stop closes the stop channel first, so Submit returns ErrPoolClosed,
// then closes the task channel under the send lock. Units still buffered
// are dropped without running. Results is closed once every worker exits.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStarted    = errors.New("worker pool already started")
)

const defaultWorkers = 4

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithBuffer sets the capacity of the task and result channels.
func WithBuffer(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithObserver calls fn from the worker goroutine after every unit.
func WithObserver(fn func(Result)) Option {
	return func(p *Pool) { p.observe = fn }
}

// Pool runs units on a fixed set of goroutines.
type Pool struct {
	size    int
	buffer  int
	observe func(Result)

	tasks   chan Task
	results chan Result
	stop    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex // guards started and stopped
	started bool
	stopped bool

	sendMu sync.RWMutex // read by senders, written by Stop
}

// NewPool builds a pool. The buffer defaults to the worker count.
func NewPool(opts ...Option) *Pool {
	p := &Pool{size: defaultWorkers}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer == 0 {
		p.buffer = p.size
	}
	p.tasks = make(chan Task, p.buffer)
	p.results = make(chan Result, p.buffer)
	p.stop = make(chan struct{})
	return p
}

// Start launches the workers. Units run under ctx.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		w := &worker{id: i, pool: p}
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
	p.started = true
	return nil
}

// Submit enqueues a unit. It blocks while the buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrPoolClosed
	}
	if !started {
		return ErrPoolNotStarted
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.stopping() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.stop:
		return ErrPoolClosed
	}
}

// Results delivers one Result per unit that ran.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Stop shuts the pool down and waits for running units to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	wasStarted := p.started && !p.stopped
	p.stopped = true
	p.mu.Unlock()
	if !wasStarted {
		return
	}

	close(p.stop)

	p.sendMu.Lock()
	close(p.tasks)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.results)
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}
