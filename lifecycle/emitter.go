package lifecycle

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Subscribe on a closed Emitter.
var ErrClosed = errors.New("lifecycle: source closed")

// Emitter is an in-process Source. Emit calls every subscriber
// synchronously, in subscription order, on the caller's goroutine.
type Emitter struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]func()
	order  []uint64
	closed bool
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[uint64]func())}
}

// Subscribe registers fn.
func (e *Emitter) Subscribe(fn func()) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	id := e.next
	e.next++
	e.subs[id] = fn
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}, nil
}

func (e *Emitter) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Emit delivers one event. Subscribers added or removed during delivery
// take effect on the next Emit.
func (e *Emitter) Emit() {
	e.mu.Lock()
	fns := make([]func(), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.subs[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Len returns the number of current subscribers.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close drops every subscriber and rejects new ones.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.subs = make(map[uint64]func())
	e.order = nil
}
