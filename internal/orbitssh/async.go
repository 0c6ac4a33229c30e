package orbitssh

import (
	"errors"
	"io"
	"net"
	"sync"
)

// pendingCall runs one blocking operation in the background and lets a state
// machine poll it. The first poll starts fn; polls return ErrTryAgain until it
// finishes. Completion calls notify so the owning session reports readiness.
// After the result has been returned once, the call is idle again.
type pendingCall[T any] struct {
	mu        sync.Mutex
	running   bool
	done      bool
	val       T
	err       error
	abandoned func(T)
}

func (c *pendingCall[T]) poll(notify func(), fn func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	switch {
	case c.done:
		val, err := c.val, c.err
		c.done, c.running = false, false
		c.val, c.err = zero, nil
		return val, err
	case c.running:
		return zero, ErrTryAgain
	}

	c.running = true
	c.abandoned = nil
	go func() {
		val, err := fn()

		c.mu.Lock()
		if cleanup := c.abandoned; cleanup != nil {
			c.abandoned = nil
			c.running = false
			c.mu.Unlock()
			if err == nil {
				cleanup(val)
			}
			return
		}
		c.val, c.err, c.done = val, err, true
		c.mu.Unlock()
		notify()
	}()
	return zero, ErrTryAgain
}

// abandon drops the result of an in-flight or finished call. A successful
// result is handed to cleanup so that connections and handles are not leaked.
func (c *pendingCall[T]) abandon(cleanup func(T)) {
	c.mu.Lock()
	var zero T
	switch {
	case c.done:
		val, err := c.val, c.err
		c.done, c.running = false, false
		c.val, c.err = zero, nil
		c.mu.Unlock()
		if err == nil {
			cleanup(val)
		}
		return
	case c.running:
		c.abandoned = cleanup
	}
	c.mu.Unlock()
}

// chunkSize is the read granularity of background readers.
const chunkSize = 32 << 10

// bufferedReader drains an io.Reader on a background goroutine into a bounded
// buffer. take never blocks.
type bufferedReader struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	limit  int
	err    error
	closed bool
}

func newBufferedReader(r io.Reader, limit int, notify func()) *bufferedReader {
	b := &bufferedReader{limit: limit}
	b.cond = sync.NewCond(&b.mu)
	go b.run(r, notify)
	return b
}

func (b *bufferedReader) run(r io.Reader, notify func()) {
	chunk := make([]byte, chunkSize)
	for {
		b.mu.Lock()
		for len(b.buf) >= b.limit && !b.closed {
			b.cond.Wait()
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		n, err := r.Read(chunk)

		b.mu.Lock()
		b.buf = append(b.buf, chunk[:n]...)
		if err != nil {
			b.err = err
		}
		b.mu.Unlock()

		notify()
		if err != nil {
			return
		}
	}
}

// take returns up to max buffered bytes. With nothing buffered it returns the
// reader's terminal error (io.EOF on a clean end) or ErrTryAgain.
func (b *bufferedReader) take(max int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) > 0 {
		n := min(max, len(b.buf))
		out := make([]byte, n)
		copy(out, b.buf)
		b.buf = b.buf[n:]
		b.cond.Signal()
		return out, nil
	}
	if b.err != nil {
		return nil, b.err
	}
	return nil, ErrTryAgain
}

// atEOF reports whether the reader hit EOF and everything has been taken.
func (b *bufferedReader) atEOF() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) == 0 && errors.Is(b.err, io.EOF)
}

func (b *bufferedReader) stop() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// asyncWriter hands chunks to a background write, one at a time.
type asyncWriter struct {
	w        io.Writer
	maxChunk int
	notify   func()

	mu   sync.Mutex
	busy bool
	err  error
}

func newAsyncWriter(w io.Writer, maxChunk int, notify func()) *asyncWriter {
	return &asyncWriter{w: w, maxChunk: maxChunk, notify: notify}
}

// write accepts a prefix of p and returns its length. While the previous
// chunk is still in flight it returns ErrTryAgain. Errors of earlier writes
// are reported here.
func (a *asyncWriter) write(p []byte) (int, error) {
	a.mu.Lock()
	if a.err != nil {
		err := a.err
		a.mu.Unlock()
		return 0, err
	}
	if a.busy {
		a.mu.Unlock()
		return 0, ErrTryAgain
	}
	if len(p) == 0 {
		a.mu.Unlock()
		return 0, nil
	}
	n := min(len(p), a.maxChunk)
	data := make([]byte, n)
	copy(data, p)
	a.busy = true
	a.mu.Unlock()

	go func() {
		_, err := a.w.Write(data)
		a.mu.Lock()
		a.busy = false
		if err != nil {
			a.err = err
		}
		a.mu.Unlock()
		a.notify()
	}()
	return n, nil
}

// flushed returns nil once nothing is in flight, ErrTryAgain before that, or
// the error of the last write.
func (a *asyncWriter) flushed() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return ErrTryAgain
	}
	return a.err
}

// readiness coalesces socket activity into data events. An event is posted
// only after someone asked for it with arm, and at most one is outstanding.
type readiness struct {
	mu     sync.Mutex
	armed  bool
	dirty  bool
	posted bool
	post   func()
}

func (r *readiness) notify() {
	r.mu.Lock()
	r.dirty = true
	fire := r.armed && !r.posted
	if fire {
		r.posted = true
	}
	r.mu.Unlock()
	if fire {
		r.post()
	}
}

func (r *readiness) arm() {
	r.mu.Lock()
	r.armed = true
	fire := r.dirty && !r.posted
	if fire {
		r.posted = true
	}
	r.mu.Unlock()
	if fire {
		r.post()
	}
}

// begin is called by the dispatched event before it fans out.
func (r *readiness) begin() {
	r.mu.Lock()
	r.armed, r.dirty, r.posted = false, false, false
	r.mu.Unlock()
}

// notifyingConn reports every read on the session socket.
type notifyingConn struct {
	net.Conn
	notify func()
}

func (c *notifyingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.notify()
	return n, err
}
