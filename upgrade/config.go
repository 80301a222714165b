package upgrade

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/buildwatch/fingerprint"
)

// Config is the YAML file layout. Pointer fields tell "absent" (keep the
// default) from an explicit zero ("0s" or "" disables).
type Config struct {
	StorageKey    *string        `yaml:"storage_key"`
	ChunkNames    []string       `yaml:"chunk_names"`
	Origin        string         `yaml:"origin"`
	BasePath      *string        `yaml:"base_path"`
	CheckInterval *time.Duration `yaml:"check_interval"`
	FetchInterval *time.Duration `yaml:"fetch_interval"`
	FetchTimeout  *time.Duration `yaml:"fetch_timeout"`
	SkipMetaName  *string        `yaml:"skip_meta_name"`
	HTMLURL       string         `yaml:"html_url"`

	DisableOnVisible  bool `yaml:"disable_on_visible"`
	DisableOnOnline   bool `yaml:"disable_on_online"`
	DisableOnNavigate bool `yaml:"disable_on_navigate"`

	Rules fingerprint.Rules `yaml:"rules"`

	Store   StoreConfig   `yaml:"store"`
	Browser BrowserConfig `yaml:"browser"`
	Probe   ProbeConfig   `yaml:"probe"`
	HTTP    HTTPConfig    `yaml:"http"`
	MCP     bool          `yaml:"mcp"`
}

// StoreConfig selects the version store backend.
type StoreConfig struct {
	Path        string        `yaml:"path"` // sqlite file; empty keeps the record in memory
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	Synchronous string        `yaml:"synchronous"` // PRAGMA synchronous; empty keeps NORMAL
	// Retention bounds the event history kept in the store. Default 168h,
	// "0s" keeps everything.
	Retention *time.Duration `yaml:"retention"`
}

// BrowserConfig controls the optional Chrome host.
type BrowserConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Remote   string `yaml:"remote"`   // DevTools websocket of an existing Chrome
	Bin      string `yaml:"bin"`      // local Chrome binary
	URL      string `yaml:"url"`      // page to open; defaults to the entry URL
	Headless *bool  `yaml:"headless"` // default true
	Stealth  bool   `yaml:"stealth"`
}

// ProbeConfig drives the connectivity prober used when no browser reports
// online events.
type ProbeConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// HTTPConfig exposes the status routes.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("upgrade: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("upgrade: parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.Headless == nil {
		on := true
		c.Browser.Headless = &on
	}
	if c.Store.Retention == nil {
		week := 7 * 24 * time.Hour
		c.Store.Retention = &week
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = 15 * time.Second
	}
}

// Options converts the file layout into detector options, starting from
// DefaultOptions.
func (c *Config) Options() Options {
	o := DefaultOptions()
	if c.StorageKey != nil {
		o.StorageKey = *c.StorageKey
	}
	if len(c.ChunkNames) > 0 {
		o.ChunkNames = append([]string(nil), c.ChunkNames...)
	}
	o.Origin = c.Origin
	if c.BasePath != nil {
		o.BasePath = *c.BasePath
	}
	if c.CheckInterval != nil {
		o.CheckInterval = *c.CheckInterval
	}
	if c.FetchInterval != nil {
		o.FetchInterval = *c.FetchInterval
	}
	if c.FetchTimeout != nil {
		o.FetchTimeout = *c.FetchTimeout
	}
	if c.SkipMetaName != nil {
		o.SkipMetaName = *c.SkipMetaName
	}
	o.HTMLURL = c.HTMLURL
	o.DisableOnVisible = c.DisableOnVisible
	o.DisableOnOnline = c.DisableOnOnline
	o.DisableOnNavigate = c.DisableOnNavigate
	o.Rules = c.Rules
	return o
}
