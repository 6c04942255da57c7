package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raaihank/input-sentinel/internal/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, validateConfig(GetDefaults()))
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
filter:
  mode: log
  deny: "<script, drop\\s+table"
  allow: ""
  escape_quotes: true
  escape_angle_brackets: false
  escape_scripts: true
  name_match: full
  custom_escapes:
    - pattern: "%00"
      replacement: ""
upstream:
  url: http://app:3000
  timeout: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "log", cfg.Filter.Mode)
	assert.Equal(t, `<script, drop\s+table`, cfg.Filter.Deny)
	assert.False(t, cfg.Filter.EscapeAngleBrackets)
	assert.Equal(t, "full", cfg.Filter.NameMatch)
	assert.Equal(t, []filter.EscapeDefinition{{Pattern: "%00", Replacement: ""}}, cfg.Filter.CustomEscapes)
	assert.Equal(t, "http://app:3000", cfg.Upstream.URL)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)

	// untouched sections keep their defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, int64(1<<20), cfg.Filter.MaxBodyBytes)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("SENTINEL_FILTER_DENY", "evil")
	path := writeConfig(t, "server:\n  port: 8080\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "evil", cfg.Filter.Deny)
}

func TestLoadRejectsBadPattern(t *testing.T) {
	path := writeConfig(t, "filter:\n  deny: \"ok,(broken\"\n")

	_, err := Load(path)
	require.Error(t, err)

	var cfgErr *filter.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "(broken", cfgErr.Pattern)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"mode", func(c *Config) { c.Filter.Mode = "passthrough" }},
		{"name match", func(c *Config) { c.Filter.NameMatch = "prefix" }},
		{"body limit", func(c *Config) { c.Filter.MaxBodyBytes = 0 }},
		{"upstream", func(c *Config) { c.Upstream.URL = "not a url" }},
		{"rate limit", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.RequestsPerMin = 0 }},
		{"ban threshold", func(c *Config) { c.Offenders.Enabled = true; c.Offenders.BanThreshold = 0 }},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/33"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.modify(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}

func TestEngineConfig(t *testing.T) {
	f := GetDefaults().Filter
	f.Deny = "a,b"

	ec := f.EngineConfig()
	assert.Equal(t, "a,b", ec.Deny)
	assert.True(t, ec.EscapeQuotes)
	assert.Equal(t, filter.NameMatchSubstring, ec.NameMatch)
}

func TestParseTrustedProxies(t *testing.T) {
	nets, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.1 ", "", "2001:db8::1"})
	require.NoError(t, err)
	require.Len(t, nets, 3)

	assert.True(t, nets[0].Contains(net.ParseIP("10.20.30.40")))
	assert.True(t, nets[1].Contains(net.ParseIP("192.0.2.1")))
	assert.False(t, nets[1].Contains(net.ParseIP("192.0.2.2")))
	assert.True(t, nets[2].Contains(net.ParseIP("2001:db8::1")))
	assert.False(t, nets[2].Contains(net.ParseIP("2001:db8::2")))

	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestAdminEnabled(t *testing.T) {
	assert.False(t, GetDefaults().Admin.Enabled())
	assert.False(t, AdminConfig{Username: "ops"}.Enabled())
	assert.True(t, AdminConfig{Username: "ops", Password: "secret"}.Enabled())
}
