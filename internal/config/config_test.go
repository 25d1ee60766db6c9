package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "UTC", cfg.TimeZone)

	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "smart-farm/", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 1883, cfg.MQTT.Port)

	assert.Equal(t, 800.0, cfg.Alerts.WarningThresholdW)
	assert.Equal(t, 1200.0, cfg.Alerts.CriticalThresholdW)
	assert.Equal(t, time.Hour, cfg.Alerts.WarningDebounce)

	assert.Equal(t, 0.15, cfg.Rates.DefaultRatePerKWh)

	assert.True(t, cfg.Rollup.Enabled)
	assert.Equal(t, 0, cfg.Rollup.Hour)
	assert.Equal(t, 15, cfg.Rollup.Minute)

	assert.False(t, cfg.SMS.Enabled)
	assert.False(t, cfg.Session.Enabled)

	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"critical below warning", func(c *Config) {
			c.Alerts.CriticalThresholdW = 500
		}},
		{"critical equals warning", func(c *Config) {
			c.Alerts.CriticalThresholdW = c.Alerts.WarningThresholdW
		}},
		{"negative debounce", func(c *Config) {
			c.Alerts.WarningDebounce = -time.Minute
		}},
		{"negative rate", func(c *Config) {
			c.Rates.DefaultRatePerKWh = -0.1
		}},
		{"bad rollup hour", func(c *Config) {
			c.Rollup.Hour = 24
		}},
		{"bad rollup minute", func(c *Config) {
			c.Rollup.Minute = 60
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 800.0, cfg.Alerts.WarningThresholdW)
	assert.True(t, cfg.MQTT.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
log_level: debug
mqtt:
  enabled: false
  topic_prefix: "farm-x/"
alerts:
  warning_threshold_w: 600
  critical_threshold_w: 1000
  warning_debounce: 30m
rollup:
  hour: 1
  minute: 30
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "farm-x/", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 600.0, cfg.Alerts.WarningThresholdW)
	assert.Equal(t, 30*time.Minute, cfg.Alerts.WarningDebounce)
	assert.Equal(t, 1, cfg.Rollup.Hour)
	assert.Equal(t, 30, cfg.Rollup.Minute)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.15, cfg.Rates.DefaultRatePerKWh)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
alerts:
  warning_threshold_w: 2000
  critical_threshold_w: 1000
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
