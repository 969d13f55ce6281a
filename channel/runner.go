package channel

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Runner executes background handshake computations. Implementations must
// allow genuinely parallel execution of independent tasks; a single-worker
// queue would serialize concurrent handshakes into a throughput bottleneck.
//
// Runners are shared, not owned: a channel never shuts down the runner it was
// configured with.
type Runner interface {
	Submit(task func())
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(task func())

// Submit calls f(task).
func (f RunnerFunc) Submit(task func()) { f(task) }

// GoRunner runs every task on its own goroutine.
var GoRunner Runner = RunnerFunc(func(task func()) { go task() })

// WorkerPool is a fixed-size Runner suitable as a provider-wide default pool
// shared across all listeners and channels.
type WorkerPool struct {
	tasks  chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewWorkerPool creates a pool with the given number of workers. Sizes below
// two are raised to two so independent handshake tasks can overlap.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 2 {
		workers = 2
	}
	p := &WorkerPool{
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	logrus.WithField("workers", workers).Debug("Worker pool started")
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.quit:
			return
		}
	}
}

// Submit enqueues a task. A Submit blocked on a full queue is released by
// Close; tasks submitted after Close are dropped.
func (p *WorkerPool) Submit(task func()) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.tasks <- task:
	case <-p.quit:
	}
}

// Close stops the workers and waits for in-flight tasks to finish. Tasks
// still queued but not yet started may be dropped.
func (p *WorkerPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)
	p.wg.Wait()
	return nil
}
