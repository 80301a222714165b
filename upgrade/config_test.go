package upgrade

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfig_AbsentKeysKeepDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("origin: https://app.example.com\n"))
	if err != nil {
		t.Fatal(err)
	}
	o := cfg.Options()
	def := DefaultOptions()
	if o.StorageKey != def.StorageKey || o.BasePath != "/" || o.SkipMetaName != DefaultSkipMetaName {
		t.Errorf("defaults lost: %+v", o)
	}
	if o.CheckInterval != 2*time.Minute || o.FetchInterval != 5*time.Minute {
		t.Errorf("intervals: check=%s fetch=%s", o.CheckInterval, o.FetchInterval)
	}
	if len(o.ChunkNames) != 3 {
		t.Errorf("chunk names: %v", o.ChunkNames)
	}
	if o.Origin != "https://app.example.com" {
		t.Errorf("origin: %q", o.Origin)
	}
	if !*cfg.Browser.Headless || cfg.Probe.Interval != 15*time.Second {
		t.Errorf("file defaults: %+v %+v", cfg.Browser, cfg.Probe)
	}
	if *cfg.Store.Retention != 7*24*time.Hour {
		t.Errorf("history retention: %s", *cfg.Store.Retention)
	}
}

func TestParseConfig_ExplicitZeroDisables(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
storage_key: myApp
chunk_names: [main, app]
base_path: /portal/
check_interval: 0s
fetch_interval: 10m
skip_meta_name: ""
disable_on_navigate: true
rules:
  markup: '\/%s\.([0-9a-f]+)\.js'
store:
  path: /tmp/bw.db
  busy_timeout: 2s
  synchronous: FULL
  retention: 0s
browser:
  enabled: true
  headless: false
http:
  listen: 127.0.0.1:8089
mcp: true
`))
	if err != nil {
		t.Fatal(err)
	}
	o := cfg.Options()
	if o.StorageKey != "myApp" || o.BasePath != "/portal/" {
		t.Errorf("strings: %+v", o)
	}
	if o.CheckInterval != 0 {
		t.Errorf("check interval: got %s, want disabled", o.CheckInterval)
	}
	if o.FetchInterval != 10*time.Minute {
		t.Errorf("fetch interval: %s", o.FetchInterval)
	}
	if o.SkipMetaName != "" {
		t.Errorf("skip marker: got %q, want disabled", o.SkipMetaName)
	}
	if !o.DisableOnNavigate || o.DisableOnVisible {
		t.Errorf("toggles: %+v", o)
	}
	if o.Rules.Markup == "" || o.Rules.Local != "" {
		t.Errorf("rules: %+v", o.Rules)
	}
	if cfg.Store.Path != "/tmp/bw.db" || !cfg.Browser.Enabled || *cfg.Browser.Headless || cfg.HTTP.Listen == "" || !cfg.MCP {
		t.Errorf("sections: %+v", cfg)
	}
	if cfg.Store.BusyTimeout != 2*time.Second || cfg.Store.Synchronous != "FULL" || *cfg.Store.Retention != 0 {
		t.Errorf("store: %+v", cfg.Store)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildwatch.yaml")
	if err := os.WriteFile(path, []byte("html_url: https://cdn.example.com/index.html\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Options().entryURL(); got != "https://cdn.example.com/index.html" {
		t.Errorf("entry url: %q", got)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := ParseConfig([]byte("check_interval: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestOptions_EntryURL(t *testing.T) {
	o := DefaultOptions()
	if o.entryURL() != "" {
		t.Fatal("no origin should mean no URL")
	}
	o.Origin = "https://app.example.com/"
	o.BasePath = "/portal/"
	if got := o.entryURL(); got != "https://app.example.com/portal/" {
		t.Errorf("origin+base: %q", got)
	}
	o.HTMLURL = "https://x/index.html"
	o.HTMLURLFunc = func() string { return "https://y/index.html" }
	if got := o.entryURL(); got != "https://y/index.html" {
		t.Errorf("func override: %q", got)
	}
}
