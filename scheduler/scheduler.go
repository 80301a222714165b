// Package scheduler drives re-checks from a fixed-interval timer and from
// page lifecycle sources. It is the "when" of upgrade detection; the check
// itself is supplied by the caller.
//
// Typical usage:
//
//	s := scheduler.New(check, scheduler.Options{
//		Interval: 2 * time.Minute,
//		Bindings: []scheduler.Binding{{Trigger: scheduler.TriggerVisible, Source: env.Visibility, Guard: env.PageVisible}},
//	})
//	s.Start(ctx)
//	defer s.Stop()
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/buildwatch/lifecycle"
)

// Trigger names what caused a check.
type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerTimer    Trigger = "timer"
	TriggerVisible  Trigger = "visible"
	TriggerOnline   Trigger = "online"
	TriggerNavigate Trigger = "navigate"
	TriggerManual   Trigger = "manual"
)

// CheckFunc runs one check. It must not block for long on the timer
// goroutine; the next tick is skipped while it runs.
type CheckFunc func(ctx context.Context, trigger Trigger)

// Binding attaches one lifecycle source. Guard, when set, is evaluated on
// every event and the check only runs if it returns true.
type Binding struct {
	Trigger Trigger
	Source  lifecycle.Source
	Guard   func() bool
}

// Options tunes the scheduler.
type Options struct {
	// Interval is the timer period. 0 disables the timer.
	Interval time.Duration
	// Bindings lists the event sources to subscribe.
	Bindings []Binding
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Ticks    int64 `json:"ticks"`
	Events   int64 `json:"events"`
	Guarded  int64 `json:"guarded"`
	Checks   int64 `json:"checks"`
	Attached int   `json:"attached"`
}

// Scheduler owns the timer and the source subscriptions. Start and Stop are
// idempotent; once stopped it never runs another check.
type Scheduler struct {
	opts  Options
	check CheckFunc

	mu      sync.Mutex
	started bool
	stopped bool
	unsubs  []func()
	cancel  context.CancelFunc
	ctx     context.Context

	ticks   atomic.Int64
	events  atomic.Int64
	guarded atomic.Int64
	checks  atomic.Int64
}

// New creates a Scheduler. Call Start to attach sources and start the timer.
func New(check CheckFunc, opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{opts: opts, check: check}
}

// Start subscribes every binding and starts the timer. A binding whose
// source is nil or fails to subscribe is logged and skipped; the others keep
// working.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	log := s.opts.Logger

	for _, b := range s.opts.Bindings {
		unsub, err := s.register(b)
		if err != nil {
			log.Debug("scheduler: source unavailable", "trigger", b.Trigger, "error", err)
			continue
		}
		s.unsubs = append(s.unsubs, unsub)
	}

	if s.opts.Interval > 0 {
		go s.loop(s.ctx)
	}

	log.Info("scheduler: started",
		"interval", s.opts.Interval, "sources", len(s.unsubs))
}

func (s *Scheduler) register(b Binding) (unsub func(), err error) {
	if b.Source == nil {
		return nil, fmt.Errorf("no source")
	}
	defer func() {
		if r := recover(); r != nil {
			unsub, err = nil, fmt.Errorf("subscribe panicked: %v", r)
		}
	}()
	trigger, guard := b.Trigger, b.Guard
	unsub, err = b.Source.Subscribe(func() {
		s.events.Add(1)
		if guard != nil && !guard() {
			s.guarded.Add(1)
			return
		}
		s.Fire(trigger)
	})
	if err == nil && unsub == nil {
		unsub = func() {}
	}
	return unsub, err
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ticks.Add(1)
			s.Fire(TriggerTimer)
		}
	}
}

// Fire runs the check now unless the scheduler is stopped.
func (s *Scheduler) Fire(trigger Trigger) {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.checks.Add(1)
	s.check(ctx, trigger)
}

// Stop detaches every source and stops the timer. It does not wait for a
// running check, so it is safe to call from inside one.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	unsubs := s.unsubs
	s.unsubs = nil
	cancel := s.cancel
	s.mu.Unlock()

	for _, u := range unsubs {
		func() {
			defer func() { recover() }()
			u()
		}()
	}
	if cancel != nil {
		cancel()
	}
	s.opts.Logger.Info("scheduler: stopped", "detached", len(unsubs))
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	attached := len(s.unsubs)
	s.mu.Unlock()
	return Stats{
		Ticks:    s.ticks.Load(),
		Events:   s.events.Load(),
		Guarded:  s.guarded.Load(),
		Checks:   s.checks.Load(),
		Attached: attached,
	}
}
