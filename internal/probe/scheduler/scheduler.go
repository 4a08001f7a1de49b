// Package scheduler runs redefinition cycles on a small pool of reusable
// worker goroutines.
//
// A worker has exactly one job: run the next coordinator cycle. It is woken
// through a capacity-1 channel instead of being handed task objects, so any
// number of wake requests that arrive before the worker gets to run collapse
// into a single cycle. Idle workers park on a lock-free free list; asking for
// a worker pops a parked one or starts a new goroutine, so the pool grows
// only to the number of cycles that were ever in flight at once.
//
// Example:
//
//	s := scheduler.New(coord, log)
//	defer s.Close()
//	s.RequestWorker().Execute(false)              // fire and forget
//	err := s.Run(ctx, true, origin)               // wait for the cycle
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is delivered to waiters when the scheduler shuts down before
// their cycle ran.
var ErrClosed = errors.New("scheduler: closed")

// Cycle describes one requested run.
type Cycle struct {
	// Synchronous is set when any request coalesced into this run asked for
	// the observed process to be suspended first.
	Synchronous bool

	// Origin identifies the captured stack of the first requester, or 0.
	Origin uint64
}

// Runner executes cycles.
type Runner interface {
	RunCycle(ctx context.Context, c Cycle) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, c Cycle) error

// RunCycle calls f.
func (f RunnerFunc) RunCycle(ctx context.Context, c Cycle) error { return f(ctx, c) }

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Workers   uint64 // goroutines started
	Cycles    uint64 // cycles run
	Failures  uint64 // cycles that returned an error
	Coalesced uint64 // wake requests folded into an already pending wake
}

// parked is a free-list node. Nodes are never reused, so a successful
// compare-and-swap on the head cannot observe a recycled pointer.
type parked struct {
	w    *Worker
	next *parked
}

// Scheduler owns the worker pool.
//
// Thread Safety: all methods are safe for concurrent use.
type Scheduler struct {
	runner Runner
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	free   atomic.Pointer[parked]
	nextID atomic.Uint64

	workers   atomic.Uint64
	cycles    atomic.Uint64
	failures  atomic.Uint64
	coalesced atomic.Uint64
}

// New returns a scheduler that runs cycles on r.
func New(r Runner, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner: r,
		log:    log.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// push parks w on the free list.
func (s *Scheduler) push(w *Worker) {
	n := &parked{w: w}
	for {
		old := s.free.Load()
		n.next = old
		if s.free.CompareAndSwap(old, n) {
			return
		}
	}
}

// pop takes a parked worker, or returns nil when none is parked.
func (s *Scheduler) pop() *Worker {
	for {
		old := s.free.Load()
		if old == nil {
			return nil
		}
		if s.free.CompareAndSwap(old, old.next) {
			return old.w
		}
	}
}

// RequestWorker returns an idle worker, starting a new one when none is
// parked. The caller must hand it a job with Execute or ExecuteFrom; the
// worker parks itself again after the cycle.
func (s *Scheduler) RequestWorker() *Worker {
	if w := s.pop(); w != nil {
		return w
	}
	w := &Worker{
		s:    s,
		id:   s.nextID.Add(1),
		wake: make(chan struct{}, 1),
	}
	if s.ctx.Err() != nil {
		return w
	}
	s.workers.Add(1)
	s.wg.Add(1)
	go w.loop()
	s.log.Debug("worker started", zap.Uint64("worker", w.id))
	return w
}

// Run requests a worker, executes a cycle and waits for its result.
// Cancelling ctx stops the wait, not the cycle.
func (s *Scheduler) Run(ctx context.Context, synchronous bool, origin uint64) error {
	done := make(chan error, 1)
	s.RequestWorker().submit(synchronous, origin, done)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every worker after its current cycle and waits for them.
// Waiters whose cycle never ran receive ErrClosed.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Workers:   s.workers.Load(),
		Cycles:    s.cycles.Load(),
		Failures:  s.failures.Load(),
		Coalesced: s.coalesced.Load(),
	}
}

// Worker runs cycles for the scheduler.
type Worker struct {
	s    *Scheduler
	id   uint64
	wake chan struct{}

	mu          sync.Mutex
	synchronous bool
	origin      uint64
	waiters     []chan<- error
	closed      bool
}

// ID returns the worker's number, starting at 1.
func (w *Worker) ID() uint64 { return w.id }

// Execute wakes the worker to run one cycle.
func (w *Worker) Execute(synchronous bool) {
	w.submit(synchronous, 0, nil)
}

// ExecuteFrom is Execute with the id of the requester's captured stack,
// which is reported if the cycle fails.
func (w *Worker) ExecuteFrom(synchronous bool, origin uint64) {
	w.submit(synchronous, origin, nil)
}

func (w *Worker) submit(synchronous bool, origin uint64, done chan<- error) {
	if w.s.ctx.Err() != nil {
		if done != nil {
			done <- ErrClosed
		}
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		if done != nil {
			done <- ErrClosed
		}
		return
	}
	w.synchronous = w.synchronous || synchronous
	if w.origin == 0 {
		w.origin = origin
	}
	if done != nil {
		w.waiters = append(w.waiters, done)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
		w.s.coalesced.Add(1)
	}
}

// take returns the pending cycle and its waiters and clears the per-cycle
// markers.
func (w *Worker) take() (Cycle, []chan<- error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := Cycle{Synchronous: w.synchronous, Origin: w.origin}
	waiters := w.waiters
	w.synchronous, w.origin, w.waiters = false, 0, nil
	return c, waiters
}

func (w *Worker) loop() {
	defer w.s.wg.Done()
	for {
		select {
		case <-w.s.ctx.Done():
			w.mu.Lock()
			w.closed = true
			waiters := w.waiters
			w.waiters = nil
			w.mu.Unlock()
			for _, done := range waiters {
				done <- ErrClosed
			}
			return
		case <-w.wake:
		}

		c, waiters := w.take()
		err := w.run(c)
		w.s.push(w)
		for _, done := range waiters {
			done <- err
		}
	}
}

func (w *Worker) run(c Cycle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: cycle panicked: %v", r)
		}
		w.s.cycles.Add(1)
		if err != nil {
			w.s.failures.Add(1)
			w.s.log.Debug("cycle failed", zap.Uint64("worker", w.id), zap.Error(err))
		}
	}()
	return w.s.runner.RunCycle(context.WithoutCancel(w.s.ctx), c)
}
