package gc

import (
	"sync"
	"time"

	"github.com/rafaelvvolkmer/libmemalloc-go/internal/trace"
)

// WorkerState mirrors the states of spec.md §4.10.
type WorkerState int

const (
	NotStarted WorkerState = iota
	Idle
	Running
	Exiting
)

// Worker drives a background collection thread: periodic mark+sweep
// cycles, coordinated with Enable/Disable via a condition variable sharing
// the allocator's own mutex (spec.md §4.10/§5).
//
// Worker does not own the lock: the caller passes the *sync.Mutex the
// allocator front already serializes on, so a cycle genuinely runs with
// "mutator must hold the lock while the collector runs" (spec.md §4.9).
type Worker struct {
	mu   *sync.Mutex
	cond *sync.Cond

	collector *Collector
	interval  time.Duration
	sink      trace.Sink

	state   WorkerState
	started bool
	done    chan struct{}
}

// NewWorker builds a Worker. mu must be the same mutex guarding every
// allocator-front entry point.
func NewWorker(mu *sync.Mutex, collector *Collector, interval time.Duration, sink trace.Sink) *Worker {
	if sink == nil {
		sink = trace.Nop{}
	}
	return &Worker{
		mu:        mu,
		cond:      sync.NewCond(mu),
		collector: collector,
		interval:  interval,
		sink:      sink,
		state:     NotStarted,
	}
}

// State returns the worker's current state. Caller must hold mu.
func (w *Worker) State() WorkerState { return w.state }

// Enable transitions not-started -> running and spawns the background
// goroutine. Calling Enable twice is a no-op. Caller must hold mu.
func (w *Worker) Enable() {
	if w.started {
		return
	}
	w.started = true
	w.state = Running
	w.done = make(chan struct{})
	go w.loop(w.done)
	w.sink.Trace("gc.worker.enabled", trace.F("interval_ms", w.interval.Milliseconds()))
}

// Disable signals the worker to exit, waits for it to join, then runs one
// final synchronous mark+sweep so teardown never leaks garbage (spec.md
// §4.10). Caller must hold mu; Disable releases it while waiting for the
// worker to acknowledge exit and re-acquires it before returning.
func (w *Worker) Disable() {
	if !w.started {
		return
	}
	w.state = Exiting
	w.cond.Broadcast()

	done := w.done
	w.mu.Unlock()
	<-done
	w.mu.Lock()

	w.started = false
	w.state = NotStarted

	w.collector.Cycle()
	w.sink.Trace("gc.worker.disabled")
}

// loop is the background goroutine body: sleep on the condvar until
// either the interval elapses or Disable signals exit, then run a cycle.
func (w *Worker) loop(done chan struct{}) {
	defer close(done)

	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		if w.state == Exiting {
			return
		}

		w.state = Running
		w.collector.Cycle()
		w.state = Idle

		if w.waitInterval() {
			return
		}
	}
}

// waitInterval blocks on the condvar for up to w.interval, woken early by
// Broadcast (from Disable). It reports whether the worker should exit.
// sync.Cond has no native timeout, so a timer goroutine plays the role of
// the periodic wakeup spec.md §4.10 describes; Disable's own Broadcast
// wakes it early when asked to exit. Caller must hold w.mu: Wait releases
// it while sleeping and reacquires it before returning.
func (w *Worker) waitInterval() bool {
	timer := time.AfterFunc(w.interval, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()

	w.cond.Wait()
	return w.state == Exiting
}
