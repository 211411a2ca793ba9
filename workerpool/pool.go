// Package workerpool runs submitted tasks on a fixed number of goroutines.
//
// Submit never blocks: tasks wait in an unbounded FIFO queue until a worker is free.
// A task that never returns keeps its worker busy forever; the others keep draining.
package workerpool

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("workerpool: pool is closed")

// DefaultSize is twice the available parallelism.
func DefaultSize() int {
	return runtime.NumCPU() * 2
}

type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	wg      sync.WaitGroup
	size    int
	running atomic.Int64
	logger  *zap.Logger
}

// New starts size workers. A non-positive size means DefaultSize.
func New(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{size: size, logger: logger}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit queues task for execution.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

func (p *Pool) Size() int { return p.size }

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting tasks, lets the workers drain the queue and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.closed {
			return nil, false
		}
		p.cond.Wait()
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return task, true
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task func()) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("workerpool: task panicked",
				zap.String("worker", fmt.Sprintf("soa-threadPool-%d", id)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	task()
}
