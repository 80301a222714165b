package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ProberOptions tunes a Prober.
type ProberOptions struct {
	// URL is probed with HEAD. Any HTTP response counts as online.
	URL string
	// Interval between probes. Default: 15s.
	Interval time.Duration
	// Client overrides the HTTP client. Default: 5s timeout.
	Client *http.Client
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *ProberOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Prober is the connectivity Source for hosts without a browser. It polls
// a URL and emits when a probe succeeds after one or more failures.
type Prober struct {
	opts   ProberOptions
	events *Emitter
	online atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a Prober. It assumes online until a probe says
// otherwise. Call Run to start probing.
func NewProber(opts ProberOptions) *Prober {
	opts.defaults()
	p := &Prober{opts: opts, events: NewEmitter()}
	p.online.Store(true)
	return p
}

// Subscribe registers fn for offline → online transitions.
func (p *Prober) Subscribe(fn func()) (func(), error) {
	return p.events.Subscribe(fn)
}

// Online reports the result of the last probe.
func (p *Prober) Online() bool { return p.online.Load() }

// Run probes until ctx is cancelled or Stop is called. It returns
// immediately; probing happens on its own goroutine.
func (p *Prober) Run(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop ends probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe runs one probe and emits if connectivity just came back.
func (p *Prober) Probe(ctx context.Context) bool {
	ok := p.probe(ctx)
	was := p.online.Swap(ok)
	switch {
	case ok && !was:
		p.opts.Logger.Info("lifecycle: network back online", "url", p.opts.URL)
		p.events.Emit()
	case !ok && was:
		p.opts.Logger.Warn("lifecycle: network offline", "url", p.opts.URL)
	}
	return ok
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.opts.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
