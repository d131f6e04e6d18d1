// Package worker implements the daemon's fixed-size pool and task queue
// (spec.md §4.2): ready/deferred/in-progress scheduling, one rule for
// fairness (a node's tasks serialize on themselves unless explicitly
// marked parallelizable), and a cooperative, non-preemptive shutdown.
package worker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radiocosmology/alpenhornd/logging"
)

// Task is a unit of work. Key is the node/group affinity key: at most one
// non-Parallelizable task per distinct Key runs at a time. Run may signal
// "not yet" by returning a *DeferredError built with Defer.
type Task struct {
	Name           string
	Key            string
	Parallelizable bool
	Run            func(ctx context.Context) error
}

// DeferredError asks the pool to re-run the task later instead of
// treating it as failed.
type DeferredError struct{ After time.Duration }

func (e *DeferredError) Error() string { return fmt.Sprintf("deferred %s", e.After) }

// Defer builds the sentinel error a Task.Run body returns to reschedule
// itself after delay (spec.md §4.2, "may defer itself with a delay").
func Defer(delay time.Duration) error { return &DeferredError{After: delay} }

type scheduled struct {
	task    Task
	readyAt time.Time
}

// deferredHeap orders scheduled tasks by readyAt; container/heap backing
// store for the "deferred" queue.
type deferredHeap []*scheduled

func (h deferredHeap) Len() int            { return len(h) }
func (h deferredHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h deferredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deferredHeap) Push(x interface{}) { *h = append(*h, x.(*scheduled)) }
func (h *deferredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pool runs up to N tasks concurrently, serializing same-Key tasks
// unless Parallelizable, and draining cooperatively on Stop.
type Pool struct {
	n   int
	log zerolog.Logger

	mu       sync.Mutex
	pending  []*scheduled
	deferred deferredHeap
	busyKeys map[string]int // count of in-flight non-parallelizable tasks per key
	stopping bool

	wake chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool starts a pool of n concurrent workers. Call Stop to drain.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		n:        n,
		log:      logging.WithComponent("worker"),
		busyKeys: map[string]int{},
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, n),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Submit enqueues t. It is a no-op once Stop has begun draining, per
// spec.md §4.2 ("the dispatcher stops accepting new tasks").
func (p *Pool) Submit(t Task) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.pending = append(p.pending, &scheduled{task: t, readyAt: time.Time{}})
	p.mu.Unlock()
	p.nudge()
}

func (p *Pool) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch is the single coordinator goroutine: it promotes due deferred
// tasks, picks the next eligible pending task honoring key affinity, and
// hands it to a bounded semaphore slot for execution.
func (p *Pool) dispatch() {
	defer close(p.done)
	for {
		p.mu.Lock()
		now := time.Now()
		for p.deferred.Len() > 0 && !p.deferred[0].readyAt.After(now) {
			item := heap.Pop(&p.deferred).(*scheduled)
			p.pending = append(p.pending, item)
		}
		next, idx := p.nextEligibleLocked()
		var waitFor time.Duration = -1
		if next == nil && p.deferred.Len() > 0 {
			waitFor = p.deferred[0].readyAt.Sub(now)
			if waitFor < 0 {
				waitFor = 0
			}
		}
		if next != nil {
			p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
			if !next.task.Parallelizable && next.task.Key != "" {
				p.busyKeys[next.task.Key]++
			}
		}
		stopping := p.stopping
		nothingLeft := stopping && len(p.pending) == 0 && p.deferred.Len() == 0
		p.mu.Unlock()

		if next != nil {
			p.runAsync(next.task)
			continue
		}
		if nothingLeft {
			return
		}

		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		case <-after(waitFor):
		}
	}
}

// after returns a channel that fires after d, or never if d < 0.
func after(d time.Duration) <-chan time.Time {
	if d < 0 {
		return nil
	}
	return time.After(d)
}

// nextEligibleLocked scans pending FIFO for the first task not blocked by
// key affinity. Caller holds p.mu.
func (p *Pool) nextEligibleLocked() (*scheduled, int) {
	for i, s := range p.pending {
		if s.task.Parallelizable || s.task.Key == "" {
			return s, i
		}
		if p.busyKeys[s.task.Key] == 0 {
			return s, i
		}
	}
	return nil, -1
}

func (p *Pool) runAsync(t Task) {
	p.wg.Add(1)
	p.sem <- struct{}{}
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer p.releaseKey(t)
		p.runOne(t)
		p.nudge()
	}()
}

func (p *Pool) releaseKey(t Task) {
	if t.Parallelizable || t.Key == "" {
		return
	}
	p.mu.Lock()
	p.busyKeys[t.Key]--
	if p.busyKeys[t.Key] <= 0 {
		delete(p.busyKeys, t.Key)
	}
	p.mu.Unlock()
}

// runOne executes t's body, recovering panics and converting deferral
// requests into a re-enqueue — per spec.md §7, no exception from a task
// body ever reaches the dispatcher, let alone the main loop.
func (p *Pool) runOne(t Task) {
	log := logging.WithTask("worker", t.Name)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("task panicked, marking failed")
		}
	}()

	err := t.Run(p.ctx)
	if err == nil {
		return
	}
	var de *DeferredError
	if errorsAs(err, &de) {
		log.Debug().Dur("after", de.After).Msg("task deferred itself")
		p.mu.Lock()
		heap.Push(&p.deferred, &scheduled{task: t, readyAt: time.Now().Add(de.After)})
		p.mu.Unlock()
		return
	}
	log.Warn().Err(err).Msg("task failed")
}

// errorsAs avoids importing "errors" just for this one call site while
// still matching wrapped errors.
func errorsAs(err error, target **DeferredError) bool {
	for err != nil {
		if de, ok := err.(*DeferredError); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Stop stops accepting new tasks, waits up to deadline for the tasks
// already running to finish, then returns. Deferred or queued tasks that
// have not started by then are not waited for. Tasks still in-progress
// past the deadline are abandoned cooperatively: their context is
// cancelled, but they are not killed (spec.md §4.2).
func (p *Pool) Stop(deadline time.Duration) {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	p.nudge()

	waitDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(deadline):
		p.log.Warn().Dur("deadline", deadline).Msg("shutdown grace expired, abandoning in-flight tasks")
	}
	p.cancel()
	<-p.done
}

// Len reports pending+deferred queue depth, for metrics.
func (p *Pool) Len() (pending, deferred int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending), p.deferred.Len()
}
