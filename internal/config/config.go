package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	appLog "taskcal/internal/log"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "UTC"
	defaultDatabase    = "taskcal.db"
	defaultCacheDir    = "ics-cache"
	defaultRefreshCron = "*/30 * * * *"
	defaultWindowDays  = 14
	defaultBackfill    = 1
	defaultMaxPerDef   = 5000
)

// Subscription is one iCalendar feed imported on every refresh.
type Subscription struct {
	// ID prefixes imported definition and task ids; it must be stable.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for definitions whose own zone is
	// missing or unknown, and for relative query windows.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the SQLite file path. Relative paths resolve against
	// the config file's directory.
	Database string `yaml:"database" json:"database"`

	// CacheDir holds the conditional-request cache of subscription feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is the cron schedule (five fields) for re-importing
	// subscriptions.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// WindowDays / BackfillDays bound the default query window around now.
	WindowDays   int `yaml:"window_days" json:"window_days"`
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// MaxOccurrencesPerDefinition caps expansion of a single definition.
	MaxOccurrencesPerDefinition int `yaml:"max_occurrences_per_definition" json:"max_occurrences_per_definition"`

	Subscriptions []Subscription `yaml:"subscriptions" json:"subscriptions"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                      defaultListen,
		Timezone:                    defaultTimezone,
		Database:                    defaultDatabase,
		CacheDir:                    defaultCacheDir,
		LogLevel:                    "info",
		RefreshCron:                 defaultRefreshCron,
		WindowDays:                  defaultWindowDays,
		BackfillDays:                defaultBackfill,
		MaxOccurrencesPerDefinition: defaultMaxPerDef,
		Subscriptions:               []Subscription{},
	}
}

// Normalize fills in missing or invalid values with defaults so that
// partially-filled configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	c.LogLevel = strings.ToLower(string(appLog.ParseLevel(c.LogLevel)))
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.WindowDays <= 0 {
		c.WindowDays = defaultWindowDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.MaxOccurrencesPerDefinition <= 0 {
		c.MaxOccurrencesPerDefinition = defaultMaxPerDef
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []Subscription{}
	}
	for i := range c.Subscriptions {
		c.Subscriptions[i].ID = strings.TrimSpace(c.Subscriptions[i].ID)
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	seen := make(map[string]bool)
	for i, s := range c.Subscriptions {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("subscriptions[%d]: id is required", i))
		case strings.Contains(s.ID, ":"):
			errs = append(errs, fmt.Errorf("subscriptions[%d]: id %q must not contain ':'", i, s.ID))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("subscriptions[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: url is required", i))
		}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		errs = append(errs, errors.New("basic_auth: username is required"))
	}
	return errors.Join(errs...)
}

// Location returns the configured zone, or UTC when it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolvePath makes p absolute relative to the directory of the config
// file at configPath.
func ResolvePath(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

// Load reads the YAML config at path. On first run the file does not
// exist yet: a default config is written with 0600 permissions and
// returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			appLog.Info("default config written", "path", path)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file in the same directory,
// then rename) with 0600 permissions.
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
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".taskcal-config-*.tmp")
	if err != nil {
		return err
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
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
