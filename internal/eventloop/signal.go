package eventloop

import (
	"slices"
	"sync"
	"sync/atomic"
)

type slot[T any] struct {
	fn     func(T)
	active atomic.Bool
}

// Signal delivers values to subscribers in the order they connected.
//
// Emit iterates over a snapshot: a subscriber connected during an emission is
// first called on the next one, while a subscriber disconnected during an
// emission is skipped right away.
type Signal[T any] struct {
	mu    sync.Mutex
	slots []*slot[T]
}

// Connect subscribes fn. The returned connection unsubscribes it.
func (s *Signal[T]) Connect(fn func(T)) *Connection {
	sl := &slot[T]{fn: fn}
	sl.active.Store(true)

	s.mu.Lock()
	s.slots = append(s.slots, sl)
	s.mu.Unlock()

	return &Connection{disconnect: func() {
		sl.active.Store(false)
		s.mu.Lock()
		s.slots = slices.DeleteFunc(s.slots, func(x *slot[T]) bool { return x == sl })
		s.mu.Unlock()
	}}
}

// Emit calls every connected subscriber with v.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	snapshot := slices.Clone(s.slots)
	s.mu.Unlock()

	for _, sl := range snapshot {
		if sl.active.Load() {
			sl.fn(v)
		}
	}
}

// Len returns the number of subscribers.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Event is a Signal without a payload.
type Event struct {
	sig Signal[struct{}]
}

// Connect subscribes fn.
func (e *Event) Connect(fn func()) *Connection {
	return e.sig.Connect(func(struct{}) { fn() })
}

// Emit calls every connected subscriber.
func (e *Event) Emit() { e.sig.Emit(struct{}{}) }

// Len returns the number of subscribers.
func (e *Event) Len() int { return e.sig.Len() }

// Connection is a handle to one subscription.
type Connection struct {
	once       sync.Once
	disconnect func()
}

// Disconnect unsubscribes. It is idempotent, nil-safe, and safe to call after
// the signal's owner is gone.
func (c *Connection) Disconnect() {
	if c == nil || c.disconnect == nil {
		return
	}
	c.once.Do(c.disconnect)
}

// Connections is a scoped group of subscriptions released together.
type Connections struct {
	conns []*Connection
}

// Add appends connections to the group.
func (c *Connections) Add(conns ...*Connection) {
	c.conns = append(c.conns, conns...)
}

// Len returns the number of connections in the group.
func (c *Connections) Len() int { return len(c.conns) }

// DisconnectAll releases every connection in reverse order of addition.
func (c *Connections) DisconnectAll() {
	for i := len(c.conns) - 1; i >= 0; i-- {
		c.conns[i].Disconnect()
	}
	c.conns = nil
}
