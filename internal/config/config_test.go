package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	// An explicitly named file that does not exist IS an error.
	require.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, 10, cfg.Browser.StaleRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Browser.StaleRetryDelay)
	assert.Equal(t, 15*time.Second, cfg.Navigator.PageSafeTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Navigator.PageSafePoll)
	assert.Equal(t, ":8366", cfg.Sprout.ListenAddr)
	assert.Equal(t, time.Hour, cfg.Sprout.DefaultLeaseTime)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harbormaster.yaml")
	data := `
logger:
  level: debug
  format: json
browser:
  headless: false
  stale_retries: 3
sprout:
  listen_addr: ":9999"
  default_lease_time: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 3, cfg.Browser.StaleRetries)
	assert.Equal(t, ":9999", cfg.Sprout.ListenAddr)
	assert.Equal(t, 2*time.Hour, cfg.Sprout.DefaultLeaseTime)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Logger.Format = "xml" }},
		{"negative retries", func(c *Config) { c.Browser.StaleRetries = -1 }},
		{"zero poll", func(c *Config) { c.Navigator.PageSafePoll = 0 }},
		{"timeout below poll", func(c *Config) {
			c.Navigator.PageSafeTimeout = 100 * time.Millisecond
			c.Navigator.PageSafePoll = time.Second
		}},
		{"zero provider rate", func(c *Config) { c.Sprout.ProviderRate = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
