// Package taskpool provides a bounded worker pool for best-effort background
// work: remote mirror writes, archive appends, anything that must never block
// a foreground add or search. The blocking boundary is a first-class
// component rather than an ad hoc goroutine per call site.
package taskpool

import (
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of background work. Tasks receive no context because the
// pool owns their lifetime; long-running tasks should capture one themselves.
type Task func()

// Pool runs tasks on a fixed set of workers behind a bounded queue.
// Submission never blocks: when the queue is full the task is dropped and
// Submit returns false. Best-effort semantics by contract.
type Pool struct {
	tasks   chan Task
	wg      sync.WaitGroup
	logger  *zap.Logger
	mu      sync.Mutex
	closed  bool
	dropped int
}

// New creates a pool with the given worker count and queue depth and starts
// its workers. Both values are clamped to a minimum of 1.
func New(workers, queueDepth int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		tasks:  make(chan Task, queueDepth),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task. Returns false when the queue is full or the pool
// is closed; the caller logs and moves on — never retries inline.
func (p *Pool) Submit(task Task) bool {
	if task == nil {
		return false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}

	select {
	case p.tasks <- task:
		p.mu.Unlock()
		return true
	default:
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		p.logger.Warn("task pool queue full, dropping task", zap.Int("dropped_total", n))
		return false
	}
}

// Dropped returns the number of tasks rejected because the queue was full.
func (p *Pool) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops accepting tasks and waits for queued work to drain.
// Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
