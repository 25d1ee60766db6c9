// Package config provides configuration management for the smart-farm power engine.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`
	TimeZone string `mapstructure:"timezone"`

	// MQTT transport settings
	MQTT struct {
		Enabled     bool   `mapstructure:"enabled"`
		Host        string `mapstructure:"host"`
		Port        int    `mapstructure:"port"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		TopicPrefix string `mapstructure:"topic_prefix"`
	} `mapstructure:"mqtt"`

	// Database settings
	Database struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	} `mapstructure:"database"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// Alert thresholds and debouncing
	Alerts struct {
		WarningThresholdW  float64       `mapstructure:"warning_threshold_w"`
		CriticalThresholdW float64       `mapstructure:"critical_threshold_w"`
		WarningDebounce    time.Duration `mapstructure:"warning_debounce"`
	} `mapstructure:"alerts"`

	// Energy pricing fallback used when no EnergyRate covers the target date
	Rates struct {
		DefaultRatePerKWh float64 `mapstructure:"default_rate_per_kwh"`
		Currency          string  `mapstructure:"currency"`
	} `mapstructure:"rates"`

	// Daily rollup scheduling
	Rollup struct {
		Enabled        bool `mapstructure:"enabled"`
		Hour           int  `mapstructure:"hour"`
		Minute         int  `mapstructure:"minute"`
		SendSummarySMS bool `mapstructure:"send_summary_sms"`
	} `mapstructure:"rollup"`

	// SMS gateway settings
	SMS struct {
		Enabled  bool          `mapstructure:"enabled"`
		BaseURL  string        `mapstructure:"base_url"`
		Username string        `mapstructure:"username"`
		APIKey   string        `mapstructure:"api_key"`
		Sender   string        `mapstructure:"sender"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"sms"`

	// Redis-backed session store for interactive (USSD) flows
	Session struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"session"`
}

// DefaultConfig returns a configuration with default values. The threshold
// and rate defaults match the legacy deployment (800 W / 1200 W, 0.15/kWh).
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
		TimeZone: "UTC",
	}

	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.TopicPrefix = "smart-farm/"

	cfg.Database.MaxOpenConns = 10
	cfg.Database.MaxIdleConns = 2
	cfg.Database.ConnMaxLifetime = 30 * time.Minute

	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	cfg.Alerts.WarningThresholdW = 800
	cfg.Alerts.CriticalThresholdW = 1200
	cfg.Alerts.WarningDebounce = time.Hour

	cfg.Rates.DefaultRatePerKWh = 0.15
	cfg.Rates.Currency = "USD"

	cfg.Rollup.Enabled = true
	cfg.Rollup.Hour = 0
	cfg.Rollup.Minute = 15
	cfg.Rollup.SendSummarySMS = false

	cfg.SMS.Enabled = false
	cfg.SMS.BaseURL = "https://api.africastalking.com"
	cfg.SMS.Timeout = 10 * time.Second

	cfg.Session.Enabled = false
	cfg.Session.Addr = "localhost:6379"
	cfg.Session.TTL = 5 * time.Minute

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	v.SetEnvPrefix("SMARTFARM")
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Alerts.CriticalThresholdW <= c.Alerts.WarningThresholdW {
		return fmt.Errorf("critical threshold (%.0fW) must exceed warning threshold (%.0fW)",
			c.Alerts.CriticalThresholdW, c.Alerts.WarningThresholdW)
	}
	if c.Alerts.WarningDebounce < 0 {
		return fmt.Errorf("warning debounce must not be negative")
	}
	if c.Rates.DefaultRatePerKWh < 0 {
		return fmt.Errorf("default energy rate must not be negative")
	}
	if c.Rollup.Hour < 0 || c.Rollup.Hour > 23 || c.Rollup.Minute < 0 || c.Rollup.Minute > 59 {
		return fmt.Errorf("invalid rollup schedule %02d:%02d", c.Rollup.Hour, c.Rollup.Minute)
	}
	return nil
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("Smart-Farm Power Engine Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Str("timezone", c.TimeZone).Msg("Timezone")

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic_prefix", c.MQTT.TopicPrefix).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().
		Float64("warning_w", c.Alerts.WarningThresholdW).
		Float64("critical_w", c.Alerts.CriticalThresholdW).
		Dur("warning_debounce", c.Alerts.WarningDebounce).
		Msg("Alert thresholds")

	logger.Info().
		Float64("default_rate_per_kwh", c.Rates.DefaultRatePerKWh).
		Str("currency", c.Rates.Currency).
		Msg("Energy rates")

	logger.Info().
		Bool("enabled", c.Rollup.Enabled).
		Int("hour", c.Rollup.Hour).
		Int("minute", c.Rollup.Minute).
		Msg("Rollup schedule")

	logger.Info().Bool("enabled", c.SMS.Enabled).Msg("SMS Gateway Enabled")
	logger.Info().Bool("enabled", c.Session.Enabled).Msg("Session Store Enabled")
	logger.Info().Msg("-----------------------------")
}
