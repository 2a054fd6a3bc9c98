package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoad_NormalizesPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: Asia/Shanghai
log_level: LOUD
window_days: -3
subscriptions:
  - id: " work "
    url: https://example.com/work.ics
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", cfg.Timezone)
	assert.Equal(t, "Asia/Shanghai", cfg.Location().String())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, defaultWindowDays, cfg.WindowDays)
	assert.Equal(t, defaultRefreshCron, cfg.RefreshCron)
	assert.Equal(t, defaultMaxPerDef, cfg.MaxOccurrencesPerDefinition)
	require.Len(t, cfg.Subscriptions, 1)
	assert.Equal(t, "work", cfg.Subscriptions[0].ID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad zone", func(c *Config) { c.Timezone = "Nowhere/City" }, "timezone"},
		{"bad cron", func(c *Config) { c.RefreshCron = "every day" }, "refresh"},
		{"subscription without id", func(c *Config) {
			c.Subscriptions = []Subscription{{URL: "https://example.com/a.ics"}}
		}, "id is required"},
		{"subscription id with colon", func(c *Config) {
			c.Subscriptions = []Subscription{{ID: "a:b", URL: "https://example.com/a.ics"}}
		}, "must not contain"},
		{"duplicate subscription", func(c *Config) {
			c.Subscriptions = []Subscription{
				{ID: "a", URL: "https://example.com/a.ics"},
				{ID: "a", URL: "https://example.com/b.ics"},
			}
		}, "duplicate id"},
		{"auth without user", func(c *Config) { c.BasicAuth = &BasicAuthConfig{Password: "x"} }, "basic_auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/etc/taskcal", "taskcal.db"), ResolvePath("/etc/taskcal/config.yaml", "taskcal.db"))
	assert.Equal(t, "/var/lib/taskcal.db", ResolvePath("/etc/taskcal/config.yaml", "/var/lib/taskcal.db"))
	assert.Equal(t, "", ResolvePath("/etc/taskcal/config.yaml", ""))
}
