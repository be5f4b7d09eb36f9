package chat

import (
	"container/list"
	"sync"
)

// Task pairs a connection with the event that should be processed against
// it (§3, "Task").
type Task struct {
	Conn  *Connection
	Event Event
}

// Handler processes one task. Implemented by (*Processor).Process; kept as
// a plain function type here so the pool has no import-cycle dependency on
// the processor's package-internal type.
type Handler func(*Connection, Event)

// WorkerPool is a fixed-size set of goroutines draining a FIFO task queue
// guarded by a mutex and condition variable, grounded on
// original_source/lib/rplib/src/rplib_tpool.c's shape (size, queue,
// terminate flag, idle/busy tracking for a drained wait) and translated to
// sync.Mutex/sync.Cond.
type WorkerPool struct {
	size    int
	handler Handler

	mu        sync.Mutex
	cond      *sync.Cond // signaled on new work or terminate
	idleCond  *sync.Cond // signaled when queue empties and no worker is busy
	queue     *list.List
	busy      int
	terminate bool

	wg sync.WaitGroup
}

// NewWorkerPool constructs a pool of the given size. The handler must be
// set via SetHandler before Start is called.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 4
	}
	p := &WorkerPool{
		size:  size,
		queue: list.New(),
	}
	p.cond = sync.NewCond(&p.mu)
	p.idleCond = sync.NewCond(&p.mu)
	return p
}

// SetHandler wires the task handler. Must be called before Start.
func (p *WorkerPool) SetHandler(h Handler) { p.handler = h }

// Start spawns the pool's worker goroutines.
func (p *WorkerPool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit appends a task to the FIFO queue and wakes one worker.
func (p *WorkerPool) Submit(t Task) {
	p.mu.Lock()
	p.queue.PushBack(t)
	ChatWorkerQueueDepth.Set(float64(p.queue.Len()))
	p.mu.Unlock()
	p.cond.Signal()
}

// Terminating reports whether shutdown has been requested. Shutdown(true)
// sets the flag only after the queue has emptied and no worker is busy;
// Shutdown(false) sets it right after discarding the queue.
func (p *WorkerPool) Terminating() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminate
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.terminate {
			p.cond.Wait()
		}
		if p.queue.Len() == 0 && p.terminate {
			p.mu.Unlock()
			return
		}
		front := p.queue.Front()
		p.queue.Remove(front)
		p.busy++
		ChatWorkerQueueDepth.Set(float64(p.queue.Len()))
		p.mu.Unlock()

		task := front.Value.(Task)
		// Decrement happens at pickup, matching the pending-task counter
		// contract in §4.2: it reflects "scheduled but not yet executed"
		// once this line runs.
		task.Conn.addPending(-1)
		if p.handler != nil {
			p.handler(task.Conn, task.Event)
		}

		p.mu.Lock()
		p.busy--
		if p.busy == 0 && p.queue.Len() == 0 {
			p.idleCond.Broadcast()
		}
		p.mu.Unlock()
	}
}

// waitIdle blocks until the queue is empty and no worker is mid-task,
// grounded on rplib_tpool_wait's busy-count/queue-size spin.
func (p *WorkerPool) waitIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.busy > 0 || p.queue.Len() > 0 {
		p.idleCond.Wait()
	}
}

// Shutdown stops the pool. When drain is true, it first blocks until every
// queued and in-flight task (including any that self-requeue, e.g. an
// ERR->CLOSING chain) has drained naturally, THEN sets the termination
// flag — so Terminating() never reports true while legitimate in-flight
// work remains. When drain is false, the queue is discarded immediately
// and the termination flag is set before any queued task gets a chance to
// run. Either way, Shutdown blocks until every worker goroutine returns.
func (p *WorkerPool) Shutdown(drain bool) {
	if drain {
		p.waitIdle()
	}
	p.mu.Lock()
	if !drain {
		p.queue.Init()
	}
	p.terminate = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}
