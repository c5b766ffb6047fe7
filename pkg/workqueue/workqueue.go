package workqueue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmpath/pkg/log"
)

// Pool runs queued functions on a fixed set of worker goroutines.
// Queued functions run in FIFO order per worker pick-up; the queue is unbounded.
type Pool struct {
	name   string
	logger zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates and starts a pool with the given number of workers
func NewPool(name string, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		name:   name,
		logger: log.WithComponent("workqueue").With().Str("pool", name).Logger(),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Queue adds fn to the pool. It returns false once the pool is closed.
func (p *Pool) Queue(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.items = append(p.items, fn)
	p.cond.Signal()
	return true
}

// After queues fn once d has elapsed.
func (p *Pool) After(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { p.Queue(fn) })
}

// Close stops accepting work, runs what is already queued and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

// Len returns the number of functions waiting for a worker
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.items) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.items) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.items[0]
		p.items[0] = nil
		p.items = p.items[1:]
		p.mu.Unlock()

		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("work item panicked")
		}
	}()
	fn()
}

// Work is a coalescing work item. Scheduling an item that is already pending
// is a no-op, and the function never runs concurrently with itself.
type Work struct {
	pool *Pool
	fn   func()

	mu      sync.Mutex
	idle    *sync.Cond
	pending bool
	running bool
	timer   *time.Timer
	gen     uint64
}

// NewWork creates a work item that runs fn on the pool
func (p *Pool) NewWork(fn func()) *Work {
	w := &Work{pool: p, fn: fn}
	w.idle = sync.NewCond(&w.mu)
	return w
}

// Schedule queues the item. It returns false if it was already pending.
func (w *Work) Schedule() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scheduleLocked()
}

func (w *Work) scheduleLocked() bool {
	if w.pending {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
		w.gen++
	}
	w.pending = true
	if !w.pool.Queue(w.run) {
		w.pending = false
		w.idle.Broadcast()
		return false
	}
	return true
}

// ScheduleAfter queues the item once d has elapsed. It returns false if the
// item is already pending or a delayed schedule is armed.
func (w *Work) ScheduleAfter(d time.Duration) bool {
	if d <= 0 {
		return w.Schedule()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending || w.timer != nil {
		return false
	}
	gen := w.gen
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.gen != gen {
			return
		}
		w.timer = nil
		w.scheduleLocked()
	})
	return true
}

// Pending reports whether the item is queued or armed
func (w *Work) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending || w.timer != nil
}

// Cancel drops a pending or delayed run. A run already in progress finishes.
func (w *Work) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelLocked()
}

func (w *Work) cancelLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.pending = false
	w.idle.Broadcast()
}

// CancelSync cancels the item and waits for a run in progress to finish.
// It must not be called from the work function.
func (w *Work) CancelSync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelLocked()
	for w.running {
		w.idle.Wait()
	}
}

// Flush runs a delayed item now and waits until the item is neither pending
// nor running. It must not be called from the work function.
func (w *Work) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.scheduleLocked()
	}
	for w.pending || w.running {
		w.idle.Wait()
	}
}

func (w *Work) run() {
	w.mu.Lock()
	if !w.pending || w.running {
		// cancelled, or the running instance will pick the pending flag up
		w.mu.Unlock()
		return
	}
	for w.pending {
		w.pending = false
		w.running = true
		w.mu.Unlock()

		w.pool.run(w.fn)

		w.mu.Lock()
		w.running = false
	}
	w.idle.Broadcast()
	w.mu.Unlock()
}
