package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultRefreshCron    = "*/15 * * * *"
	defaultRotateInterval = 6 * time.Second
	defaultMaxEvents      = 25
	defaultGraceWindow    = time.Hour
	defaultRelayMount     = "/ics-proxy"
	defaultRelayUpstream  = "https://sundevilcentral.eoss.asu.edu"
	defaultRelayExternal  = "https://r.jina.ai/http/"
	defaultFetchTimeout   = 15 * time.Second
	defaultCacheDir       = "./var/ics-cache"
)

// FeedConfig describes a single calendar feed.
type FeedConfig struct {
	// URL is the feed locator; webcal:// is accepted.
	URL string `yaml:"url" json:"url"`
	// ID overrides the identifier derived from the URL.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`
	// Name is a human-friendly label.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// KeywordFilterConfig controls the optional keyword stage of the timeline.
type KeywordFilterConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// RelayConfig configures both the same-origin relay handler and the
// candidate URLs that point at it.
type RelayConfig struct {
	// Mount is the path prefix the relay handler is served under.
	Mount string `yaml:"mount" json:"mount"`
	// Upstream is the scheme+host the relay forwards to.
	Upstream string `yaml:"upstream" json:"upstream"`
	// Referer is sent upstream; defaults to Upstream + "/events".
	Referer string `yaml:"referer" json:"referer"`
	// PublicBase is prefixed to Mount when building relay candidates.
	// Empty means http://<listen>.
	PublicBase string `yaml:"public_base" json:"public_base"`
	// External is the public read-only relay prefix. Empty disables it.
	External string `yaml:"external" json:"external"`
}

// FetchConfig tunes feed retrieval.
type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	CacheDir    string        `yaml:"cache_dir" json:"cache_dir"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen string `yaml:"listen" json:"listen"`

	// Timezone names the zone used as local wall clock for date-only and
	// floating date-time values. Empty means the runtime zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a standard 5-field cron spec.
	RefreshCron    string        `yaml:"refresh" json:"refresh"`
	RotateInterval time.Duration `yaml:"rotate_interval" json:"rotate_interval"`

	MaxEvents   int           `yaml:"max_events" json:"max_events"`
	GraceWindow time.Duration `yaml:"grace_window" json:"grace_window"`

	KeywordFilter KeywordFilterConfig `yaml:"keyword_filter" json:"keyword_filter"`
	Relay         RelayConfig         `yaml:"relay" json:"relay"`
	Fetch         FetchConfig         `yaml:"fetch" json:"fetch"`

	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`
}

func defaultKeywords() []string {
	return []string{"Downtown Phoenix", "DPC", "Phoenix Biomedical Campus", "ASU Downtown"}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		KeywordFilter: KeywordFilterConfig{Keywords: defaultKeywords()},
		Relay:         RelayConfig{External: defaultRelayExternal},
		Fetch:         FetchConfig{CacheDir: defaultCacheDir},
		Feeds:         []FeedConfig{},
		LogLevel:      "info",
		LogFormat:     "text",
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave correctly. An unparsable refresh spec falls back to the default.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	} else if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		c.RefreshCron = defaultRefreshCron
	}
	if c.RotateInterval <= 0 {
		c.RotateInterval = defaultRotateInterval
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = defaultMaxEvents
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = defaultGraceWindow
	}
	if c.KeywordFilter.Keywords == nil {
		c.KeywordFilter.Keywords = defaultKeywords()
	}

	if c.Relay.Mount == "" {
		c.Relay.Mount = defaultRelayMount
	}
	if !strings.HasPrefix(c.Relay.Mount, "/") {
		c.Relay.Mount = "/" + c.Relay.Mount
	}
	c.Relay.Mount = strings.TrimRight(c.Relay.Mount, "/")
	if c.Relay.Mount == "" {
		c.Relay.Mount = defaultRelayMount
	}
	if c.Relay.Upstream == "" {
		c.Relay.Upstream = defaultRelayUpstream
	}
	c.Relay.Upstream = strings.TrimRight(c.Relay.Upstream, "/")
	if c.Relay.Referer == "" {
		c.Relay.Referer = c.Relay.Upstream + "/events"
	}

	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = defaultFetchTimeout
	}
	if c.Fetch.Concurrency < 0 {
		c.Fetch.Concurrency = 0
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, errors.Wrapf(err, "load timezone %q", c.Timezone)
	}
	return loc, nil
}

// RelayBase is the absolute URL prefix relay candidates are built on.
func (c *Config) RelayBase() string {
	base := c.Relay.PublicBase
	if base == "" {
		base = "http://" + c.Listen
	}
	return strings.TrimRight(base, "/") + c.Relay.Mount
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist a default config is written with 0600 perms
// and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename, leaving the
// final file with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create config dir")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	tmp, err := os.CreateTemp(dir, ".eventrotator-config-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp config")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return errors.Wrap(os.Rename(tmpName, path), "rename config")
}
