package rodhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/buildwatch/lifecycle"
)

const bindingName = "__buildwatch"

// hostJS forwards visibility and connectivity changes to the binding.
const hostJS = `() => {
	if (window.__buildwatch_installed) return;
	window.__buildwatch_installed = true;
	const send = (m) => { try { window.__buildwatch(JSON.stringify(m)); } catch (e) {} };
	document.addEventListener('visibilitychange', () =>
		send({type: 'visibility', visible: document.visibilityState === 'visible'}));
	window.addEventListener('online', () => send({type: 'online', online: true}));
	window.addEventListener('offline', () => send({type: 'online', online: false}));
}`

// Page is one open tab. It implements fingerprint.DOM and exposes its
// lifecycle through Env.
type Page struct {
	page *rod.Page
	log  *slog.Logger

	visibility *lifecycle.Emitter
	online     *lifecycle.Emitter
	navigation *lifecycle.Emitter
	visible    atomic.Bool
	onlineNow  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newPage(rp *rod.Page, log *slog.Logger) *Page {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Page{
		page:       rp,
		log:        log,
		visibility: lifecycle.NewEmitter(),
		online:     lifecycle.NewEmitter(),
		navigation: lifecycle.NewEmitter(),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.visible.Store(true)
	p.onlineNow.Store(true)
	return p
}

// attach installs the binding and the page script, then listens for
// binding calls and same-document navigations.
func (p *Page) attach() error {
	if err := (proto.PageEnable{}).Call(p.page); err != nil {
		return fmt.Errorf("rodhost: enable page domain: %w", err)
	}
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(p.page); err != nil {
		return fmt.Errorf("rodhost: add binding: %w", err)
	}
	if _, err := p.page.EvalOnNewDocument("(" + hostJS + ")()"); err != nil {
		return fmt.Errorf("rodhost: install page script: %w", err)
	}

	wait := p.page.Context(p.ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name == bindingName {
				p.dispatch(e.Payload)
			}
		},
		func(e *proto.PageNavigatedWithinDocument) {
			p.log.Debug("rodhost: same-document navigation", "url", e.URL)
			p.navigation.Emit()
		},
	)
	go wait()
	return nil
}

type pageEvent struct {
	Type    string `json:"type"`
	Visible *bool  `json:"visible"`
	Online  *bool  `json:"online"`
}

// dispatch routes one binding payload to its source.
func (p *Page) dispatch(payload string) {
	var ev pageEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		p.log.Warn("rodhost: bad binding payload", "error", err)
		return
	}
	switch ev.Type {
	case "visibility":
		if ev.Visible != nil {
			p.visible.Store(*ev.Visible)
		}
		p.visibility.Emit()
	case "online":
		up := ev.Online == nil || *ev.Online
		was := p.onlineNow.Swap(up)
		if up && !was {
			p.online.Emit()
		}
	case "navigate":
		p.navigation.Emit()
	default:
		p.log.Debug("rodhost: unknown page event", "type", ev.Type)
	}
}

// syncState reads the current visibility and connectivity.
func (p *Page) syncState(ctx context.Context) {
	res, err := p.page.Context(ctx).Eval(`() => JSON.stringify({
		visible: document.visibilityState === 'visible',
		online: navigator.onLine,
	})`)
	if err != nil {
		p.log.Debug("rodhost: read page state", "error", err)
		return
	}
	var st struct {
		Visible bool `json:"visible"`
		Online  bool `json:"online"`
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &st); err != nil {
		return
	}
	p.visible.Store(st.Visible)
	p.onlineNow.Store(st.Online)
}

// ScriptSources lists the src of every script element in document order.
func (p *Page) ScriptSources(ctx context.Context) ([]string, error) {
	res, err := p.page.Context(ctx).Eval(
		`() => JSON.stringify(Array.from(document.scripts, s => s.src).filter(Boolean))`)
	if err != nil {
		return nil, fmt.Errorf("rodhost: script sources: %w", err)
	}
	var srcs []string
	if err := json.Unmarshal([]byte(res.Value.Str()), &srcs); err != nil {
		return nil, fmt.Errorf("rodhost: script sources: %w", err)
	}
	return srcs, nil
}

// Env exposes the page lifecycle.
func (p *Page) Env() lifecycle.Env {
	return lifecycle.Env{
		Visibility: p.visibility,
		Online:     p.online,
		Navigation: p.navigation,
		Visible:    p.visible.Load,
		IsOnline:   p.onlineNow.Load,
	}
}

// Close stops listening and closes the tab.
func (p *Page) Close() error {
	p.cancel()
	p.visibility.Close()
	p.online.Close()
	p.navigation.Close()
	if p.page != nil {
		return p.page.Close()
	}
	return nil
}
