// Package rodhost runs the page side of upgrade detection in a real Chrome
// driven through go-rod: it reads the live document's script sources and
// turns visibility, connectivity and client-side navigation into lifecycle
// sources.
package rodhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Options configures the browser.
type Options struct {
	// Remote is the DevTools websocket URL of an external Chrome. Empty
	// launches a local one.
	Remote string
	// Bin overrides the local Chrome binary.
	Bin      string
	Headless bool
	// Stealth opens pages through go-rod/stealth.
	Stealth bool
	// NavTimeout bounds navigation and load. Default: 30s.
	NavTimeout time.Duration
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.NavTimeout <= 0 {
		o.NavTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Browser is a connected Chrome.
type Browser struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	b      *rod.Browser
	lnch   *launcher.Launcher
	closed bool
}

// Launch starts a local Chrome, or connects to opts.Remote.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	opts.defaults()
	log := opts.Logger

	var wsURL string
	var lnch *launcher.Launcher
	if opts.Remote != "" {
		wsURL = opts.Remote
		log.Info("rodhost: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx).Headless(opts.Headless)
		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("rodhost: launch: %w", err)
		}
		wsURL, lnch = u, l
		log.Info("rodhost: launched local chrome", "url", wsURL, "headless", opts.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("rodhost: connect: %w", err)
	}
	return &Browser{opts: opts, log: log, b: b, lnch: lnch}, nil
}

// Open creates a tab, wires the lifecycle binding, and navigates to pageURL.
func (b *Browser) Open(ctx context.Context, pageURL string) (*Page, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("rodhost: browser is closed")
	}
	rb := b.b
	b.mu.Unlock()

	var rp *rod.Page
	var err error
	if b.opts.Stealth {
		rp, err = stealth.Page(rb)
	} else {
		rp, err = rb.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("rodhost: create tab: %w", err)
	}

	p := newPage(rp, b.log)
	if err := p.attach(); err != nil {
		rp.Close()
		return nil, err
	}

	navCtx, cancel := context.WithTimeout(ctx, b.opts.NavTimeout)
	defer cancel()
	if err := rp.Context(navCtx).Navigate(pageURL); err != nil {
		p.Close()
		return nil, fmt.Errorf("rodhost: navigate %s: %w", pageURL, err)
	}
	if err := rp.Context(navCtx).WaitLoad(); err != nil {
		b.log.Warn("rodhost: wait load timeout", "url", pageURL, "error", err)
	}
	p.syncState(navCtx)

	b.log.Info("rodhost: page open", "url", pageURL)
	return p, nil
}

// Close shuts a launched Chrome down. A remote Chrome keeps running; only
// the tabs closed through Page.Close go away.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if b.b != nil && b.opts.Remote == "" {
		err = b.b.Close()
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
	}
	return err
}
