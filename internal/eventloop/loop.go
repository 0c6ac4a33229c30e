package eventloop

import "sync"

// Loop is a nested event loop that produces a single result. Exec keeps the
// executor's queue moving while it waits, so callbacks that eventually call
// Quit or Error still get to run.
type Loop[T any] struct {
	exec *Executor
	done chan struct{}
	once sync.Once

	value T
	err   error
}

// NewLoop creates a loop bound to the given executor.
func NewLoop[T any](e *Executor) *Loop[T] {
	return &Loop[T]{exec: e, done: make(chan struct{})}
}

// Quit finishes the loop with v. Only the first Quit or Error counts.
func (l *Loop[T]) Quit(v T) {
	l.once.Do(func() {
		l.value = v
		close(l.done)
	})
}

// Error finishes the loop with err. Only the first Quit or Error counts.
func (l *Loop[T]) Error(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Done reports whether a result has been set.
func (l *Loop[T]) Done() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Exec runs the executor on the calling goroutine until a result is set. It
// must be called from the executor's worker.
func (l *Loop[T]) Exec() (T, error) {
	l.exec.pump(l.done)
	return l.value, l.err
}

// QuitOn finishes l with v when ev fires.
func QuitOn[T any](l *Loop[T], ev *Event, v T) *Connection {
	return ev.Connect(func() { l.Quit(v) })
}

// FailOn finishes l with the error carried by sig.
func FailOn[T any](l *Loop[T], sig *Signal[error]) *Connection {
	return sig.Connect(func(err error) { l.Error(err) })
}

// FailWithOn finishes l with err when ev fires.
func FailWithOn[T any](l *Loop[T], ev *Event, err error) *Connection {
	return ev.Connect(func() { l.Error(err) })
}
