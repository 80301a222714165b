// Package upgrade detects that the build a page or process is running is no
// longer the one deployed. A Detector compares the chunk-hash fingerprint it
// started with against the value persisted in a version store, refreshes
// that value by fetching the deployed entry document at most once per fetch
// interval, and publishes exactly once per distinct new fingerprint.
//
// Typical usage:
//
//	opts := upgrade.DefaultOptions()
//	opts.Origin = "https://app.example.com"
//	opts.Page = page
//	upgrade.Start(opts, func() { log.Print("reload me") })
//	flag := upgrade.SubscribeUpgrade(nil)
//	<-flag.Done()
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/buildwatch/fingerprint"
	"github.com/hazyhaar/buildwatch/idgen"
	"github.com/hazyhaar/buildwatch/scheduler"
	"github.com/hazyhaar/buildwatch/versionstore"
)

// State is the detector lifecycle: Idle → Active → Cancelled.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrNoEntryURL is logged when a network check has nowhere to fetch from.
var ErrNoEntryURL = errors.New("upgrade: no entry document URL configured")

// Detector is one detection session. It is safe for concurrent use.
type Detector struct {
	opts      Options
	id        string
	logger    *slog.Logger
	store     *versionstore.Store
	extract   *fingerprint.Extractor
	onUpgrade func()
	fetches   singleflight.Group

	mu           sync.Mutex
	state        State
	sched        *scheduler.Scheduler
	initialHash  string
	lastNotified string

	checks        atomic.Int64
	localChecks   atomic.Int64
	fetchCount    atomic.Int64
	fetchErrors   atomic.Int64
	notifications atomic.Int64
}

// Stats are point-in-time counters and session state.
type Stats struct {
	ID            string          `json:"id"`
	State         string          `json:"state"`
	InitialHash   string          `json:"initial_hash"`
	StoredHash    string          `json:"stored_hash"`
	LastNotified  string          `json:"last_notified_hash,omitempty"`
	LastFetchTime int64           `json:"last_fetch_time,omitempty"`
	HasNewVersion bool            `json:"has_new_version"`
	Checks        int64           `json:"checks"`
	LocalChecks   int64           `json:"local_checks"`
	Fetches       int64           `json:"fetches"`
	FetchErrors   int64           `json:"fetch_errors"`
	Notifications int64           `json:"notifications"`
	Scheduler     scheduler.Stats `json:"scheduler"`
}

// New creates an idle Detector. onUpgrade may be nil. Intervals and the
// skip marker name are taken as given, zero disabling them; build opts from
// DefaultOptions() to get the usual polling.
func New(opts Options, onUpgrade func()) *Detector {
	opts.defaults()
	d := &Detector{
		opts:      opts,
		id:        idgen.Session(),
		onUpgrade: onUpgrade,
	}
	d.logger = opts.Logger.With("session", d.id)
	d.store = versionstore.New(opts.KV, opts.StorageKey, opts.Logger)

	ex, err := fingerprint.New(opts.ChunkNames, opts.Rules)
	if err != nil {
		d.logger.Error("upgrade: invalid extraction rules, using defaults", "error", err)
		ex, _ = fingerprint.New(opts.ChunkNames, fingerprint.Rules{})
	}
	d.extract = ex
	return d
}

// ID returns the session identifier.
func (d *Detector) ID() string { return d.id }

// State returns the current lifecycle state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Bus returns the bus this detector publishes on.
func (d *Detector) Bus() *Bus { return d.opts.Bus }

// Subscribe watches this detector's bus.
func (d *Detector) Subscribe(callback func()) *Flag { return d.opts.Bus.Watch(callback) }

// InitialHash returns the fingerprint captured at start.
func (d *Detector) InitialHash() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialHash
}

// HasNewVersion reports whether this detector has published at least once.
func (d *Detector) HasNewVersion() bool { return d.notifications.Load() > 0 }

// Start captures the running fingerprint, persists it, attaches the
// scheduler and runs the first check. Only the first call on an idle
// detector has any effect; a detector cancelled while its fingerprint was
// being captured stays cancelled. Cancelling ctx cancels the detector.
func (d *Detector) Start(ctx context.Context) {
	if d.State() != StateIdle {
		return
	}
	initial := d.localHash(ctx)

	d.mu.Lock()
	if d.state != StateIdle {
		d.mu.Unlock()
		return
	}
	d.state = StateActive
	d.initialHash = initial
	d.store.Write(ctx, versionstore.SetHash(initial))
	d.sched = scheduler.New(d.check, scheduler.Options{
		Interval: d.opts.CheckInterval,
		Bindings: d.bindings(),
		Logger:   d.opts.Logger,
	})
	sched := d.sched
	d.mu.Unlock()

	d.logger.Info("upgrade: detector started",
		"key", d.store.Key(),
		"chunks", d.extract.Names(),
		"initial_hash", initial,
		"check_interval", d.opts.CheckInterval,
		"fetch_interval", d.opts.FetchInterval,
		"entry_url", d.opts.entryURL())

	d.emit(EventStarted, initial, nil)
	sched.Start(ctx)
	context.AfterFunc(ctx, d.Cancel)
	sched.Fire(scheduler.TriggerStart)
}

func (d *Detector) bindings() []scheduler.Binding {
	env := d.opts.Env
	var b []scheduler.Binding
	if !d.opts.DisableOnVisible {
		b = append(b, scheduler.Binding{Trigger: scheduler.TriggerVisible, Source: env.Visibility, Guard: env.PageVisible})
	}
	if !d.opts.DisableOnOnline {
		b = append(b, scheduler.Binding{Trigger: scheduler.TriggerOnline, Source: env.Online, Guard: env.NetworkOnline})
	}
	if !d.opts.DisableOnNavigate {
		b = append(b, scheduler.Binding{Trigger: scheduler.TriggerNavigate, Source: env.Navigation})
	}
	return b
}

// Trigger runs a manual check: a network check when forceFetch is set,
// otherwise a local one. No-op unless the detector is active.
func (d *Detector) Trigger(ctx context.Context, forceFetch bool) {
	if d.State() != StateActive {
		return
	}
	d.logger.Debug("upgrade: manual check", "force_fetch", forceFetch)
	if forceFetch {
		d.checkFetch(ctx)
		return
	}
	d.checkLocal(ctx)
}

// Cancel stops scheduling and publishing for good. A network check already
// in flight still persists its result. Safe to call more than once.
func (d *Detector) Cancel() {
	d.mu.Lock()
	if d.state == StateCancelled {
		d.mu.Unlock()
		return
	}
	prev := d.state
	d.state = StateCancelled
	sched := d.sched
	d.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	d.logger.Info("upgrade: detector cancelled", "from", prev.String())
	d.emit(EventCancelled, "", nil)
}

// Stats returns the current counters.
func (d *Detector) Stats(ctx context.Context) Stats {
	rec := d.store.Read(ctx)
	d.mu.Lock()
	s := Stats{
		ID:           d.id,
		State:        d.state.String(),
		InitialHash:  d.initialHash,
		LastNotified: d.lastNotified,
	}
	sched := d.sched
	d.mu.Unlock()

	s.StoredHash = rec.Hash
	s.LastFetchTime = rec.LastFetchTime
	s.Checks = d.checks.Load()
	s.LocalChecks = d.localChecks.Load()
	s.Fetches = d.fetchCount.Load()
	s.FetchErrors = d.fetchErrors.Load()
	s.Notifications = d.notifications.Load()
	s.HasNewVersion = s.Notifications > 0
	if sched != nil {
		s.Scheduler = sched.Stats()
	}
	return s
}

// check is the scheduled entry point: local comparison first, then a
// network check when the fetch interval has elapsed and the page is visible.
func (d *Detector) check(ctx context.Context, trigger scheduler.Trigger) {
	if d.State() != StateActive {
		return
	}
	d.checks.Add(1)

	now := d.opts.Now().UnixMilli()
	last := d.store.Read(ctx).LastFetchTime
	if last == 0 {
		last = now
		d.store.Write(ctx, versionstore.SetLastFetchTime(now))
	}

	if d.checkLocal(ctx) {
		return
	}

	interval := d.opts.FetchInterval.Milliseconds()
	if interval <= 0 || last+interval >= now {
		return
	}
	if !d.opts.Env.PageVisible() {
		d.logger.Debug("upgrade: page hidden, network check deferred", "trigger", trigger)
		return
	}
	d.checkFetch(ctx)
}

// checkLocal compares the persisted fingerprint with the initial one and
// publishes once per distinct new value. It reports whether they differ.
func (d *Detector) checkLocal(ctx context.Context) bool {
	d.localChecks.Add(1)

	d.mu.Lock()
	stored := d.store.Read(ctx).Hash
	if stored == d.initialHash {
		d.mu.Unlock()
		return false
	}
	initial := d.initialHash
	notify := d.state == StateActive && stored != d.lastNotified
	if notify {
		d.lastNotified = stored
	}
	d.mu.Unlock()

	if notify {
		d.notifications.Add(1)
		d.logger.Info("upgrade: new version detected",
			"initial_hash", initial, "current_hash", stored)
		d.emit(EventNewVersion, stored, nil)
		d.opts.Bus.Publish()
		if d.onUpgrade != nil {
			d.onUpgrade()
		}
	}
	return true
}

// checkFetch refreshes the persisted fingerprint from the deployed entry
// document, then re-runs the local comparison. Failures count as "no new
// version". Concurrent calls share one fetch.
func (d *Detector) checkFetch(ctx context.Context) bool {
	stamp := d.opts.Now().Add(-fetchStampSkew).UnixMilli()
	d.store.Write(ctx, versionstore.SetLastFetchTime(stamp))

	_, err, _ := d.fetches.Do("entry", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.FetchTimeout)
		defer cancel()

		d.fetchCount.Add(1)
		h, err := d.deployedHash(fctx)
		if err != nil {
			d.fetchErrors.Add(1)
			d.logger.Warn("upgrade: network check failed", "error", err)
			d.emit(EventFetchFailed, "", err)
			return nil, err
		}
		d.store.Write(fctx, versionstore.SetHash(h))
		d.logger.Debug("upgrade: deployed fingerprint", "hash", h)
		return h, nil
	})
	if err != nil {
		return false
	}
	return d.checkLocal(ctx)
}

// deployedHash fetches and fingerprints the deployed entry document. A
// document carrying the skip marker yields the stored fingerprint.
func (d *Detector) deployedHash(ctx context.Context) (h string, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = "", fmt.Errorf("upgrade: fetch panicked: %v", r)
		}
	}()
	if d.opts.FetchHash != nil {
		return d.opts.FetchHash(ctx)
	}

	url := d.opts.entryURL()
	if url == "" {
		return "", ErrNoEntryURL
	}
	markup, err := d.opts.Fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if d.opts.SkipMetaName != "" && fingerprint.HasSkipMarker(markup, d.opts.SkipMetaName) {
		d.logger.Debug("upgrade: deployed build carries skip marker", "url", url)
		return d.store.Read(ctx).Hash, nil
	}
	return d.extract.FromMarkup(markup), nil
}

// localHash reads the running fingerprint. Extraction failures yield "".
func (d *Detector) localHash(ctx context.Context) string {
	if d.opts.LocalHash != nil {
		return d.opts.LocalHash(ctx)
	}
	if d.opts.Page == nil {
		return ""
	}
	h, err := d.extract.FromDOM(ctx, d.opts.Page)
	if err != nil {
		d.logger.Warn("upgrade: reading running fingerprint failed", "error", err)
		return ""
	}
	return h
}
