package upgrade

import (
	"context"
	"sync"
)

// Process-wide detector. The first Start wins for the life of the process,
// even after CancelDetector.
var (
	globalMu   sync.Mutex
	global     *Detector
	defaultBus = NewBus()
)

// Start creates and starts the process-wide detector. Later calls return
// the existing one and ignore their arguments. When opts.Bus is nil the
// detector publishes on the bus SubscribeUpgrade watches.
//
// Zero fields of opts are not filled from DefaultOptions: a zero
// CheckInterval or FetchInterval disables that source and an empty
// SkipMetaName disables the skip marker. Start from DefaultOptions() and
// override what differs.
func Start(opts Options, onUpgrade func()) *Detector {
	globalMu.Lock()
	if global != nil {
		d := global
		globalMu.Unlock()
		return d
	}
	if opts.Bus == nil {
		opts.Bus = defaultBus
	}
	d := New(opts, onUpgrade)
	global = d
	globalMu.Unlock()

	d.Start(context.Background())
	return d
}

// Active returns the process-wide detector, or nil before Start.
func Active() *Detector {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// TriggerCheck runs a manual check on the process-wide detector. No-op
// before Start or after CancelDetector.
func TriggerCheck(ctx context.Context, forceFetch bool) {
	if d := Active(); d != nil {
		d.Trigger(ctx, forceFetch)
	}
}

// CancelDetector cancels the process-wide detector, if any.
func CancelDetector() {
	if d := Active(); d != nil {
		d.Cancel()
	}
}

// SubscribeUpgrade watches the default bus. The flag starts false and
// latches on the next publish from any detector sharing that bus.
func SubscribeUpgrade(callback func()) *Flag {
	return defaultBus.Watch(callback)
}
