// Package pool implements the bounded-concurrency executor fronting
// each local backend (spec.md §4.2, §5). Every local adapter gets its
// own pool sized from its descriptor's max_concurrent/queue_depth.
package pool

import (
	"context"
	"sync"
	"time"

	gateway "github.com/quietloop/llmgate/internal"
)

const (
	sweepInterval      = 5 * time.Second
	defaultQueueWait   = 30 * time.Second
)

// Task is the unit of work a pool runs: a closure over the backend
// invocation, returning whatever the caller needs back.
type Task func(ctx context.Context) (any, error)

type queueItem struct {
	ctx       context.Context
	task      Task
	enqueued  time.Time
	resultCh  chan taskResult
}

type taskResult struct {
	val any
	err error
}

// Stats is a point-in-time snapshot of pool occupancy, exposed via
// /queue/status (spec.md §6).
type Stats struct {
	Active       int
	Queued       int
	MaxConcurrent int
	QueueDepth   int
}

// Pool bounds concurrent execution for one local backend: a fixed
// number of slots run tasks immediately, additional submissions queue
// up to queue_depth, and anything beyond that is rejected with
// ErrQueueFull (spec.md §4.2).
type Pool struct {
	name          string
	maxConcurrent int
	queueDepth    int
	queueWait     time.Duration

	mu       sync.Mutex
	active   int
	queue    []*queueItem
	draining bool // guards tryDrain against re-entrant calls
	closed   bool

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New builds a Pool for one backend and starts its background sweep
// goroutine. Stop must be called to release the goroutine.
func New(name string, maxConcurrent, queueDepth int) *Pool {
	p := &Pool{
		name:          name,
		maxConcurrent: maxConcurrent,
		queueDepth:    queueDepth,
		queueWait:     defaultQueueWait,
		stopSweep:     make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Submit runs task under admission control (spec.md §4.2): if a slot is
// free it runs immediately; otherwise, if the queue has room, it waits
// in FIFO order; otherwise it is rejected immediately with
// ErrQueueFull. The call blocks until the task completes, is timed out
// in queue, or the pool is closed.
func (p *Pool) Submit(ctx context.Context, task Task) (any, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, gateway.NewStatusError(gateway.ErrPoolClosed, 503, "pool closed")
	}

	if p.active < p.maxConcurrent {
		p.active++
		p.mu.Unlock()
		return p.run(ctx, task)
	}

	if len(p.queue) >= p.queueDepth {
		p.mu.Unlock()
		return nil, gateway.NewStatusError(gateway.ErrQueueFull, 503, "backend queue is full")
	}

	item := &queueItem{ctx: ctx, task: task, enqueued: time.Now(), resultCh: make(chan taskResult, 1)}
	p.queue = append(p.queue, item)
	p.mu.Unlock()

	select {
	case res := <-item.resultCh:
		return res.val, res.err
	case <-ctx.Done():
		p.removeFromQueue(item)
		return nil, gateway.NewStatusError(gateway.ErrTimeout, 504, "request cancelled while queued")
	}
}

// run executes task with an active slot already reserved, and releases
// the slot (draining the queue) when it completes.
func (p *Pool) run(ctx context.Context, task Task) (any, error) {
	val, err := task(ctx)
	p.release()
	return val, err
}

// release frees one active slot and starts the next queued task, if
// any. Guarded by draining to avoid a release triggered from within an
// already-running drain loop recursing. Clearing the guard re-checks
// the queue under the same lock: a release that arrived while draining
// was held (and so no-opped) must not leave a now-runnable queued item
// stranded until the sweep loop times it out.
func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()

	for {
		p.tryDrain()

		p.mu.Lock()
		if len(p.queue) > 0 && p.active < p.maxConcurrent {
			p.mu.Unlock()
			continue
		}
		p.draining = false
		p.mu.Unlock()
		return
	}
}

// tryDrain pulls queued items into free slots until the pool is full
// or the queue is empty. Each admitted item runs in its own goroutine
// so tryDrain itself never blocks on task execution.
func (p *Pool) tryDrain() {
	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 || p.active >= p.maxConcurrent {
			p.mu.Unlock()
			return
		}
		item := p.queue[0]
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		go func(it *queueItem) {
			val, err := it.task(it.ctx)
			select {
			case it.resultCh <- taskResult{val: val, err: err}:
			default:
			}
			p.release()
		}(item)
	}
}

func (p *Pool) removeFromQueue(target *queueItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, it := range p.queue {
		if it == target {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// sweepLoop runs every 5s and fails any queue item that has waited
// longer than queueWait with ErrQueueTimeout (spec.md §4.2).
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepExpired()
		case <-p.stopSweep:
			return
		}
	}
}

func (p *Pool) sweepExpired() {
	now := time.Now()
	p.mu.Lock()
	kept := p.queue[:0]
	var expired []*queueItem
	for _, it := range p.queue {
		if now.Sub(it.enqueued) > p.queueWait {
			expired = append(expired, it)
			continue
		}
		kept = append(kept, it)
	}
	p.queue = kept
	p.mu.Unlock()

	for _, it := range expired {
		select {
		case it.resultCh <- taskResult{err: gateway.NewStatusError(gateway.ErrQueueTimeout, 503, "queued request timed out")}:
		default:
		}
	}
}

// Stop halts the sweep goroutine. Safe to call once.
func (p *Pool) Stop() {
	p.sweepOnce.Do(func() { close(p.stopSweep) })
}

// Shutdown marks the pool closed, refusing new submissions, then waits
// (up to the given context deadline) for already-running tasks to
// drain and fails anything still queued with ErrPoolClosed (spec.md
// §5 graceful shutdown).
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, it := range queued {
		select {
		case it.resultCh <- taskResult{err: gateway.NewStatusError(gateway.ErrPoolClosed, 503, "pool shutting down")}:
		default:
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		active := p.active
		p.mu.Unlock()
		if active == 0 {
			p.Stop()
			return nil
		}
		select {
		case <-ctx.Done():
			p.Stop()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StatsSnapshot returns the current occupancy, for /queue/status.
func (p *Pool) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:        p.active,
		Queued:        len(p.queue),
		MaxConcurrent: p.maxConcurrent,
		QueueDepth:    p.queueDepth,
	}
}

// Name returns the backend name this pool fronts.
func (p *Pool) Name() string { return p.name }
