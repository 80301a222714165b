package upgrade

import (
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/buildwatch/lifecycle"
)

// Bus carries "a new version is available" signals from detectors to
// subscribers. Publish is synchronous; subscribers run on the publishing
// goroutine in subscription order.
type Bus struct {
	e *lifecycle.Emitter
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{e: lifecycle.NewEmitter()}
}

// Subscribe registers fn and returns its unsubscribe function.
func (b *Bus) Subscribe(fn func()) (unsubscribe func()) {
	unsub, err := b.e.Subscribe(fn)
	if err != nil {
		// The emitter is never closed.
		return func() {}
	}
	return unsub
}

// Publish signals every subscriber once.
func (b *Bus) Publish() { b.e.Emit() }

// Len returns the number of subscribers.
func (b *Bus) Len() int { return b.e.Len() }

// Flag is a subscription that latches: HasNewVersion turns true on the
// first publish after Watch and stays true.
type Flag struct {
	has      atomic.Bool
	done     chan struct{}
	once     sync.Once
	unsub    func()
	callback func()
}

// Watch subscribes a Flag. callback, if non-nil, runs on every publish
// until Unsubscribe.
func (b *Bus) Watch(callback func()) *Flag {
	f := &Flag{done: make(chan struct{}), callback: callback}
	f.unsub = b.Subscribe(f.fire)
	return f
}

func (f *Flag) fire() {
	f.has.Store(true)
	f.once.Do(func() { close(f.done) })
	if f.callback != nil {
		f.callback()
	}
}

// HasNewVersion reports whether a publish was observed.
func (f *Flag) HasNewVersion() bool { return f.has.Load() }

// Done is closed on the first observed publish.
func (f *Flag) Done() <-chan struct{} { return f.done }

// Unsubscribe detaches the flag. The latched value is kept.
func (f *Flag) Unsubscribe() { f.unsub() }
