// Package workqueue provides the executors the monitor runs work on.
package workqueue

import "sync"

type Executor interface {
	// Submit queues fn. It reports false when the executor no longer
	// accepts work.
	Submit(fn func()) bool
}

// Inline runs every task on the caller's goroutine.
type Inline struct{}

func (Inline) Submit(fn func()) bool {
	fn()
	return true
}

// Spawn runs every task on its own goroutine.
type Spawn struct{}

func (Spawn) Submit(fn func()) bool {
	go fn()
	return true
}

// Pool is a fixed set of workers draining a buffered task queue. With one
// worker tasks run one at a time in submission order.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewPool(workers, buffer int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}

	p := &Pool{tasks: make(chan func(), buffer)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

// Submit blocks while the queue is full.
func (p *Pool) Submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}
	p.tasks <- fn
	return true
}

// Stop rejects new work, runs what is already queued and waits for the
// workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
