// Package eventloop provides the single-threaded cooperative scheduling used by
// the SSH transport and the deploy manager: a worker executor, nested result
// loops, and signals with scoped connections.
package eventloop

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrExecutorClosed is returned by Call once the executor has been closed.
var ErrExecutorClosed = errors.New("executor closed")

// Executor runs posted functions one at a time on a dedicated worker goroutine.
// Everything that touches SSH objects runs on that goroutine.
type Executor struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	tasks    []func()
	releases []func()
	closed   bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	started atomic.Bool
}

// NewExecutor creates an executor. Call Start to spawn the worker.
func NewExecutor(name string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		name:   name,
		logger: logger.With("executor", name),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start spawns the worker goroutine. Calling Start twice is a no-op.
func (e *Executor) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(e.done)
		e.pump(e.quit)
		e.logger.Debug("executor stopped")
	}()
}

// Post queues fn to run on the worker. Safe from any goroutine, FIFO.
// Functions posted after Close are dropped.
func (e *Executor) Post(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Debug("dropping task posted after close")
		return
	}
	e.tasks = append(e.tasks, fn)
	e.mu.Unlock()
	e.signal()
}

// Release queues fn to run at the top of the next loop iteration, before any
// other task. Used to destroy objects from within their own callbacks.
func (e *Executor) Release(fn func()) {
	e.mu.Lock()
	e.releases = append(e.releases, fn)
	e.mu.Unlock()
	e.signal()
}

// Call runs fn on the worker and blocks until it returns. It must not be
// called from the worker itself.
func (e *Executor) Call(fn func()) error {
	finished := make(chan struct{})
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.tasks = append(e.tasks, func() {
		defer close(finished)
		fn()
	})
	e.mu.Unlock()
	e.signal()

	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrExecutorClosed
	}
}

// Close stops the worker after the task that is currently running returns.
// Pending tasks are discarded.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	dropped := len(e.tasks)
	e.tasks = nil
	e.mu.Unlock()

	if dropped > 0 {
		e.logger.Debug("discarding pending tasks", "count", dropped)
	}
	close(e.quit)
	if e.started.Load() {
		<-e.done
	}
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) next() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tasks) == 0 {
		return nil, false
	}
	fn := e.tasks[0]
	e.tasks[0] = nil
	e.tasks = e.tasks[1:]
	return fn, true
}

func (e *Executor) drainReleases() {
	e.mu.Lock()
	releases := e.releases
	e.releases = nil
	e.mu.Unlock()
	for _, fn := range releases {
		fn()
	}
}

// pump processes tasks on the calling goroutine until stop is closed. Nested
// loops call it re-entrantly from inside a task.
func (e *Executor) pump(stop <-chan struct{}) {
	for {
		e.drainReleases()

		select {
		case <-stop:
			return
		default:
		}

		if fn, ok := e.next(); ok {
			fn()
			continue
		}

		select {
		case <-stop:
			return
		case <-e.wake:
		}
	}
}

// Timer is a one-shot timer whose callback runs on the executor.
type Timer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

// AfterFunc runs fn on the worker once d has elapsed, unless the timer is
// stopped first.
func (e *Executor) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		e.Post(func() {
			if !t.stopped.Load() {
				fn()
			}
		})
	})
	return t
}

// Stop prevents the callback from running if it has not run yet.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.timer.Stop()
}

// Ticker repeatedly runs a callback on the executor.
type Ticker struct {
	stop    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

// Every runs fn on the worker every d until the ticker is stopped.
func (e *Executor) Every(d time.Duration, fn func()) *Ticker {
	t := &Ticker{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-e.quit:
				return
			case <-ticker.C:
				e.Post(func() {
					if !t.stopped.Load() {
						fn()
					}
				})
			}
		}
	}()
	return t
}

// Stop stops the ticker. Ticks already queued on the executor are skipped.
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.once.Do(func() { close(t.stop) })
}
