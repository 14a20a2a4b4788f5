package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/custodia/depositd/pkg/metrics"
)

var (
	// ErrQueueFull is returned when the backing queue has no room
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrStopped is returned when the pool no longer accepts work
	ErrStopped = errors.New("worker pool stopped")
)

// Task is one unit of deposit work
type Task interface {
	// ID identifies the deposit the task processes
	ID() string
	Execute(ctx context.Context) error
}

// FailureFunc receives the id of a task that was rejected, panicked,
// or returned an error, together with the cause
type FailureFunc func(id string, err error)

// Pool is a bounded-concurrency executor: a fixed worker set draining
// a bounded queue. Rejections and task failures are routed to the
// failure handler so affected deposits can be retried later.
type Pool struct {
	workers   int
	queue     chan Task
	onFailure FailureFunc

	taskCtx    context.Context
	taskCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New builds a pool with the given worker count; the queue holds twice
// as many tasks as there are workers
func New(workers int, onFailure FailureFunc) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:    workers,
		queue:      make(chan Task, workers*2),
		onFailure:  onFailure,
		taskCtx:    ctx,
		taskCancel: cancel,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues a task. A full queue rejects the task, reports the
// rejection to the failure handler, and returns ErrQueueFull.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	select {
	case p.queue <- t:
		return nil
	default:
		metrics.PoolRejectionsTotal.Inc()
		if p.onFailure != nil {
			p.onFailure(t.ID(), ErrQueueFull)
		}
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits for in-flight tasks to drain within
// the context's grace period; when it expires, in-flight tasks are
// interrupted through their context. Queued-but-unstarted work is
// released; the deposits it covered stay dirty.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	// Workers stop picking up queued tasks but finish the one in hand
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.taskCancel()
		<-done
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.queue:
			p.execute(t)
		}
	}
}

// execute runs one task, forwarding errors and panics to the failure
// handler. Workers never die on a bad task.
func (p *Pool) execute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			if p.onFailure != nil {
				p.onFailure(t.ID(), fmt.Errorf("task panic: %v", r))
			}
		}
	}()

	metrics.PoolTasksTotal.Inc()
	if err := t.Execute(p.taskCtx); err != nil {
		if p.onFailure != nil {
			p.onFailure(t.ID(), err)
		}
	}
}
