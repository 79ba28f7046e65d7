package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"venuecal/internal/tzclock"
)

// EnvPrefix prefixes every environment override, e.g. VENUECAL_TIMEZONE.
const EnvPrefix = "VENUECAL_"

// FeedConfig describes a single ICS feed the importer keeps in sync.
type FeedConfig struct {
	// ID is stored as the Source of every imported event; changing it
	// orphans the events imported under the old ID.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label used in logs.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the listing API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RateLimitConfig bounds request throughput on the listing API.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the listing API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA business timezone every event is anchored to
	// (e.g. "America/New_York"). It has no default.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the SQLite event store path.
	Database string `yaml:"database" json:"database"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for feed syncs, evaluated in the business timezone.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is the default listing span when no range is requested.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// MaxRangeDays caps the span a client may request.
	MaxRangeDays int `yaml:"max_range_days" json:"max_range_days"`

	// MaxOccurrencesPerEvent caps one event's contribution to a listing.
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	CalendarName    string `yaml:"calendar_name" json:"calendar_name"`
	LogLevel        string `yaml:"log_level" json:"log_level"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`

	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Feeds is the list of subscribed ICS feeds.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// envOverrides lists the keys that may be overridden from the environment.
// Empty and zero values leave the file value in place.
type envOverrides struct {
	Listen            string  `env:"LISTEN"`
	Timezone          string  `env:"TIMEZONE"`
	Database          string  `env:"DATABASE"`
	Refresh           string  `env:"REFRESH"`
	HorizonDays       int     `env:"HORIZON_DAYS"`
	MaxRangeDays      int     `env:"MAX_RANGE_DAYS"`
	CalendarName      string  `env:"CALENDAR_NAME"`
	LogLevel          string  `env:"LOG_LEVEL"`
	CacheTTLSeconds   int     `env:"CACHE_TTL_SECONDS"`
	RatePerSecond     float64 `env:"RATE_LIMIT_PER_SECOND"`
	RateBurst         int     `env:"RATE_LIMIT_BURST"`
	BasicAuthUsername string  `env:"BASIC_AUTH_USERNAME"`
	BasicAuthPassword string  `env:"BASIC_AUTH_PASSWORD"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	return &Config{
		Listen:                 "127.0.0.1:8080",
		Timezone:               "America/New_York",
		Database:               "./var/venuecal.db",
		RefreshCron:            "*/15 * * * *",
		HorizonDays:            90,
		MaxRangeDays:           366,
		MaxOccurrencesPerEvent: 5000,
		CalendarName:           "Events",
		LogLevel:               "info",
		CacheTTLSeconds:        30,
		RateLimit:              RateLimitConfig{PerSecond: 20, Burst: 40},
		Feeds:                  []FeedConfig{},
		BasicAuth:              nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Timezone is left alone:
// an unset business timezone is a configuration error, not a default.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Database == "" {
		c.Database = "./var/venuecal.db"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 90
	}
	if c.MaxRangeDays <= 0 {
		c.MaxRangeDays = 366
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = 5000
	}
	if c.CalendarName == "" {
		c.CalendarName = "Events"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheTTLSeconds < 0 {
		c.CacheTTLSeconds = 0
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.PerSecond) + 1
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		c.Feeds[i].ID = strings.TrimSpace(c.Feeds[i].ID)
		if c.Feeds[i].Name == "" {
			c.Feeds[i].Name = c.Feeds[i].ID
		}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate checks the settings that cannot be defaulted. A bad timezone is
// reported as *tzclock.TimezoneConfigurationError.
func (c *Config) Validate() error {
	if _, err := tzclock.LoadLocation(c.Timezone); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", c.RefreshCron, err)
	}
	if c.HorizonDays > c.MaxRangeDays {
		return fmt.Errorf("horizon_days (%d) exceeds max_range_days (%d)", c.HorizonDays, c.MaxRangeDays)
	}
	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.ID == "" {
			return fmt.Errorf("feeds[%d]: id is required", i)
		}
		if strings.Contains(f.ID, "/") {
			return fmt.Errorf("feeds[%d]: id %q must not contain '/'", i, f.ID)
		}
		if seen[f.ID] {
			return fmt.Errorf("feeds[%d]: duplicate id %q", i, f.ID)
		}
		seen[f.ID] = true
		if f.URL == "" {
			return fmt.Errorf("feed %s: url is required", f.ID)
		}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		return errors.New("basic_auth requires both username and password")
	}
	return nil
}

// Location returns the business timezone.
func (c *Config) Location() (*time.Location, error) {
	return tzclock.LoadLocation(c.Timezone)
}

// CacheTTL returns the listing response cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ApplyEnv overrides file values with VENUECAL_* variables. environ
// replaces the process environment when non-nil.
func (c *Config) ApplyEnv(environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&c.Listen, o.Listen)
	setString(&c.Timezone, o.Timezone)
	setString(&c.Database, o.Database)
	setString(&c.RefreshCron, o.Refresh)
	setString(&c.CalendarName, o.CalendarName)
	setString(&c.LogLevel, o.LogLevel)
	if o.HorizonDays > 0 {
		c.HorizonDays = o.HorizonDays
	}
	if o.MaxRangeDays > 0 {
		c.MaxRangeDays = o.MaxRangeDays
	}
	if o.CacheTTLSeconds > 0 {
		c.CacheTTLSeconds = o.CacheTTLSeconds
	}
	if o.RatePerSecond > 0 {
		c.RateLimit.PerSecond = o.RatePerSecond
	}
	if o.RateBurst > 0 {
		c.RateLimit.Burst = o.RateBurst
	}
	if o.BasicAuthUsername != "" || o.BasicAuthPassword != "" {
		if c.BasicAuth == nil {
			c.BasicAuth = &BasicAuthConfig{}
		}
		setString(&c.BasicAuth.Username, o.BasicAuthUsername)
		setString(&c.BasicAuth.Password, o.BasicAuthPassword)
	}
	c.Normalize()
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are applied separately with ApplyEnv.
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
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	tmp, err := os.CreateTemp(dir, ".venuecal-config-*.tmp")
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
