package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venuecal/internal/tzclock"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
	require.NoError(t, again.Validate())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: Europe/Berlin
feeds:
  - id: venue
    url: https://example.com/venue.ics
basic_auth:
  username: ""
  password: ""
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, 90, cfg.HorizonDays)
	assert.Equal(t, 366, cfg.MaxRangeDays)
	assert.Equal(t, "venue", cfg.Feeds[0].Name)
	assert.Nil(t, cfg.BasicAuth)
	assert.NoError(t, cfg.Validate())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
	assert.Equal(t, 30*time.Second, (&Config{CacheTTLSeconds: 30}).CacheTTL())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestTimezoneIsNeverDefaulted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = ""
	cfg.Normalize()
	assert.Empty(t, cfg.Timezone)

	err := cfg.Validate()
	var tzErr *tzclock.TimezoneConfigurationError
	require.True(t, errors.As(err, &tzErr))

	cfg.Timezone = "Mars/Olympus_Mons"
	require.True(t, errors.As(cfg.Validate(), &tzErr))
	assert.Equal(t, "Mars/Olympus_Mons", tzErr.Name)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad cron", func(c *Config) { c.RefreshCron = "every so often" }},
		{"horizon beyond max range", func(c *Config) { c.HorizonDays = 400 }},
		{"feed without id", func(c *Config) { c.Feeds = []FeedConfig{{URL: "https://x"}} }},
		{"feed id with slash", func(c *Config) { c.Feeds = []FeedConfig{{ID: "a/b", URL: "https://x"}} }},
		{"duplicate feed", func(c *Config) {
			c.Feeds = []FeedConfig{{ID: "a", URL: "https://x"}, {ID: "a", URL: "https://y"}}
		}},
		{"feed without url", func(c *Config) { c.Feeds = []FeedConfig{{ID: "a"}} }},
		{"half basic auth", func(c *Config) { c.BasicAuth = &BasicAuthConfig{Username: "admin"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(map[string]string{
		"VENUECAL_TIMEZONE":              "Australia/Sydney",
		"VENUECAL_LISTEN":                ":9090",
		"VENUECAL_HORIZON_DAYS":          "30",
		"VENUECAL_RATE_LIMIT_PER_SECOND": "2.5",
		"VENUECAL_BASIC_AUTH_USERNAME":   "admin",
		"VENUECAL_BASIC_AUTH_PASSWORD":   "s3cret",
		"TIMEZONE":                       "Asia/Seoul",
	})
	require.NoError(t, err)

	assert.Equal(t, "Australia/Sydney", cfg.Timezone)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 30, cfg.HorizonDays)
	assert.Equal(t, 2.5, cfg.RateLimit.PerSecond)
	assert.Equal(t, 40, cfg.RateLimit.Burst)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "admin", cfg.BasicAuth.Username)
	assert.Equal(t, "s3cret", cfg.BasicAuth.Password)
	assert.Equal(t, "./var/venuecal.db", cfg.Database)
	assert.NoError(t, cfg.Validate())

	err = cfg.ApplyEnv(map[string]string{"VENUECAL_HORIZON_DAYS": "soon"})
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Feeds = []FeedConfig{{ID: "venue", Name: "Main room", URL: "https://example.com/venue.ics"}}
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "pw"}
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	assert.Error(t, Save(path, nil))
	assert.Error(t, Save("", cfg))
}
