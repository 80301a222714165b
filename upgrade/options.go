package upgrade

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/buildwatch/fingerprint"
	"github.com/hazyhaar/buildwatch/lifecycle"
	"github.com/hazyhaar/buildwatch/versionstore"
)

const (
	DefaultCheckInterval = 2 * time.Minute
	DefaultFetchInterval = 5 * time.Minute
	DefaultBasePath      = "/"
	DefaultSkipMetaName  = "useUpgradeSkip"
	DefaultFetchTimeout  = 30 * time.Second

	// fetchStampSkew is subtracted from the fetch-time stamp so that a check
	// landing exactly one FetchInterval later still qualifies.
	fetchStampSkew = 50 * time.Millisecond
)

// DefaultChunkNames are the entry bundles of the common SPA toolchains.
var DefaultChunkNames = []string{"main", "umi", "app"}

// Options configures a Detector. Start from DefaultOptions: on a bare
// Options value a zero interval means "disabled" and an empty SkipMetaName
// disables the skip marker.
type Options struct {
	// StorageKey namespaces the persisted record.
	StorageKey string
	// ChunkNames lists the asset names that make up the fingerprint.
	ChunkNames []string
	// Origin is the scheme and host of the deployed app.
	Origin string
	// BasePath is appended to Origin to build the entry document URL.
	BasePath string

	CheckInterval time.Duration // local timer period, 0 disables
	FetchInterval time.Duration // min spacing of network checks, 0 disables

	// SkipMetaName names the meta tag that makes a deployed build invisible.
	SkipMetaName string

	DisableOnVisible  bool
	DisableOnOnline   bool
	DisableOnNavigate bool

	// HTMLURL overrides the entry document URL. HTMLURLFunc wins over it.
	HTMLURL     string
	HTMLURLFunc func() string

	// FetchHash replaces fetching and extraction of the deployed fingerprint.
	FetchHash func(ctx context.Context) (string, error)
	// LocalHash replaces extraction of the running fingerprint.
	LocalHash func(ctx context.Context) string

	// Page is the live page the running fingerprint is read from.
	Page fingerprint.DOM
	// Env supplies lifecycle sources. The zero value is headless.
	Env lifecycle.Env
	// KV backs the version store. Defaults to an in-memory map.
	KV versionstore.KV
	// Rules overrides the extraction patterns.
	Rules fingerprint.Rules

	// OnEvent receives lifecycle events on the goroutine that caused them.
	OnEvent func(Event)

	Fetcher      *fingerprint.Fetcher
	FetchTimeout time.Duration
	// Bus receives one publish per detected change. Defaults to a private bus.
	Bus    *Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		StorageKey:    versionstore.DefaultKey,
		ChunkNames:    append([]string(nil), DefaultChunkNames...),
		BasePath:      DefaultBasePath,
		CheckInterval: DefaultCheckInterval,
		FetchInterval: DefaultFetchInterval,
		SkipMetaName:  DefaultSkipMetaName,
		FetchTimeout:  DefaultFetchTimeout,
	}
}

func (o *Options) defaults() {
	if o.StorageKey == "" {
		o.StorageKey = versionstore.DefaultKey
	}
	if len(o.ChunkNames) == 0 {
		o.ChunkNames = append([]string(nil), DefaultChunkNames...)
	}
	if o.BasePath == "" {
		o.BasePath = DefaultBasePath
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.KV == nil {
		o.KV = versionstore.NewMemoryKV()
	}
	if o.Fetcher == nil {
		o.Fetcher = fingerprint.NewFetcher(fingerprint.WithLogger(o.Logger))
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.Bus == nil {
		o.Bus = NewBus()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// entryURL resolves the URL of the deployed entry document, or "" when
// nothing is configured.
func (o Options) entryURL() string {
	if o.HTMLURLFunc != nil {
		if u := o.HTMLURLFunc(); u != "" {
			return u
		}
	}
	if o.HTMLURL != "" {
		return o.HTMLURL
	}
	if o.Origin == "" {
		return ""
	}
	return fingerprint.EntryURL(o.Origin, o.BasePath)
}
