// Command buildwatch watches one deployed web app and reports when the
// build it serves changes.
//
// Usage:
//
//	buildwatch -config buildwatch.yaml                 # everything from YAML
//	buildwatch -url https://app.example.com            # headless, in-memory
//	buildwatch -url https://app.example.com -browser   # observe a real tab
//	buildwatch -url ... -db state.db -listen :8089 -mcp
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/buildwatch/dbopen"
	"github.com/hazyhaar/buildwatch/fingerprint"
	"github.com/hazyhaar/buildwatch/history"
	"github.com/hazyhaar/buildwatch/lifecycle"
	"github.com/hazyhaar/buildwatch/rodhost"
	"github.com/hazyhaar/buildwatch/upgrade"
	"github.com/hazyhaar/buildwatch/versionstore"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to buildwatch.yaml config file")
	origin := flag.String("url", "", "origin of the deployed app")
	dbPath := flag.String("db", "", "sqlite file for the version record (default: in memory)")
	useBrowser := flag.Bool("browser", false, "observe the app in a local Chrome tab")
	remote := flag.String("remote", "", "DevTools websocket of an existing Chrome (implies -browser)")
	listen := flag.String("listen", "", "serve the status API on this address")
	serveMCP := flag.Bool("mcp", false, "serve MCP tools on stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("buildwatch: fatal", "error", err)
		os.Exit(1)
	}
	if *origin != "" {
		cfg.Origin = *origin
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *useBrowser {
		cfg.Browser.Enabled = true
	}
	if *remote != "" {
		cfg.Browser.Enabled = true
		cfg.Browser.Remote = *remote
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *serveMCP {
		cfg.MCP = true
	}

	if cfg.Origin == "" && cfg.HTMLURL == "" {
		fmt.Fprintln(os.Stderr, "usage: buildwatch -config <file> | -url <origin> [-browser] [-db <file>] [-listen <addr>] [-mcp]")
		os.Exit(2)
	}

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("buildwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*upgrade.Config, error) {
	if path == "" {
		return upgrade.ParseConfig(nil)
	}
	return upgrade.LoadConfigFile(path)
}

func entryURL(cfg *upgrade.Config, opts upgrade.Options) string {
	if cfg.HTMLURL != "" {
		return cfg.HTMLURL
	}
	return fingerprint.EntryURL(opts.Origin, opts.BasePath)
}

func run(ctx context.Context, logger *slog.Logger, cfg *upgrade.Config) error {
	opts := cfg.Options()
	opts.Logger = logger
	target := entryURL(cfg, opts)

	var hist *history.Log
	if cfg.Store.Path != "" {
		kv, db, err := versionstore.OpenSQLite(cfg.Store.Path, storeOptions(cfg.Store)...)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		opts.KV = kv

		hist, err = history.New(db, 256, history.WithLogger(logger))
		if err != nil {
			return err
		}
		defer hist.Close()
		opts.OnEvent = hist.Record

		if r := cfg.Store.Retention; r != nil && *r > 0 {
			rctx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				retain(rctx, logger, hist, *r)
			}()
			defer func() {
				cancel()
				<-done
			}()
		}
	}

	if cfg.Browser.Enabled {
		b, err := rodhost.Launch(ctx, rodhost.Options{
			Remote:   cfg.Browser.Remote,
			Bin:      cfg.Browser.Bin,
			Headless: *cfg.Browser.Headless,
			Stealth:  cfg.Browser.Stealth,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer b.Close()

		pageURL := cfg.Browser.URL
		if pageURL == "" {
			pageURL = target
		}
		page, err := b.Open(ctx, pageURL)
		if err != nil {
			return err
		}
		defer page.Close()
		opts.Page = page
		opts.Env = page.Env()
	} else {
		if err := headless(ctx, logger, cfg, &opts, target); err != nil {
			return err
		}
	}

	d := upgrade.Start(opts, func() {
		logger.Info("buildwatch: new version deployed", "url", target)
	})
	defer upgrade.CancelDetector()

	seen := upgrade.SubscribeUpgrade(nil)
	defer seen.Unsubscribe()

	if cfg.HTTP.Listen != "" {
		r := chi.NewRouter()
		if hist != nil {
			r.Get("/history", hist.Handler())
		}
		r.Mount("/", d.Routes())
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("buildwatch: http listening", "addr", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("buildwatch: http server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("buildwatch: http shutdown", "error", err)
			}
		}()
	}

	if cfg.MCP {
		srv := mcp.NewServer(&mcp.Implementation{Name: "buildwatch", Version: version}, nil)
		d.RegisterMCP(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("buildwatch: mcp server", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-seen.Done():
		logger.Info("buildwatch: upgrade observed, waiting for shutdown", "session", d.ID())
		<-ctx.Done()
	}
	logger.Info("buildwatch: stopped", "stats", d.Stats(context.Background()))
	return nil
}

func storeOptions(sc upgrade.StoreConfig) []dbopen.Option {
	var opts []dbopen.Option
	if sc.BusyTimeout > 0 {
		opts = append(opts, dbopen.WithBusyTimeout(int(sc.BusyTimeout.Milliseconds())))
	}
	if sc.Synchronous != "" {
		opts = append(opts, dbopen.WithSynchronous(sc.Synchronous))
	}
	return opts
}

// retain deletes history older than maxAge now and then hourly, or every
// maxAge when that is shorter.
func retain(ctx context.Context, logger *slog.Logger, hist *history.Log, maxAge time.Duration) {
	every := min(maxAge, time.Hour)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		n, err := hist.Cleanup(ctx, maxAge)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("buildwatch: history cleanup", "error", err)
		case n > 0:
			logger.Info("buildwatch: history pruned", "deleted", n, "max_age", maxAge)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// headless configures a browserless watch: the running fingerprint is the
// build deployed at startup, and connectivity comes from an optional prober.
func headless(ctx context.Context, logger *slog.Logger, cfg *upgrade.Config, opts *upgrade.Options, target string) error {
	ex, err := fingerprint.New(opts.ChunkNames, opts.Rules)
	if err != nil {
		return fmt.Errorf("extraction rules: %w", err)
	}
	fetcher := fingerprint.NewFetcher(fingerprint.WithLogger(logger))
	opts.Fetcher = fetcher
	opts.LocalHash = func(ctx context.Context) string {
		markup, err := fetcher.Fetch(ctx, target)
		if err != nil {
			logger.Warn("buildwatch: baseline fetch failed", "url", target, "error", err)
			return ""
		}
		doc, err := fingerprint.ParseHTML(markup)
		if err != nil {
			logger.Warn("buildwatch: baseline parse failed", "error", err)
			return ""
		}
		h, _ := ex.FromDOM(ctx, doc)
		return h
	}

	if cfg.Probe.URL == "" {
		opts.Env = lifecycle.Headless()
		return nil
	}
	prober := lifecycle.NewProber(lifecycle.ProberOptions{
		URL:      cfg.Probe.URL,
		Interval: cfg.Probe.Interval,
		Logger:   logger,
	})
	prober.Run(ctx)
	opts.Env = lifecycle.Env{Online: prober, IsOnline: prober.Online}
	return nil
}
