package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/loykin/damper/internal/logger"
	"github.com/spf13/viper"
)

// Environment variables recognized by every invocation. They override the
// optional TOML config file.
const (
	EnvConfig     = "DAMPER_CONFIG"
	EnvStateDir   = "DAMPER_STATE_DIR"
	EnvDebug      = "DAMPER_DEBUG"
	EnvDebugFile  = "DAMPER_DEBUG_FILE"
	EnvHistoryDSN = "DAMPER_HISTORY_DSN"
)

// StoreConfig selects the shared state directory.
type StoreConfig struct {
	Dir string `toml:"dir" mapstructure:"dir"`
}

// HistoryConfig enables the optional execution history sink.
type HistoryConfig struct {
	DSN             string `toml:"dsn" mapstructure:"dsn"`
	ClickHouseURL   string `toml:"clickhouse_url" mapstructure:"clickhouse_url"`
	ClickHouseTable string `toml:"clickhouse_table" mapstructure:"clickhouse_table"`
}

// LogConfig mirrors logger.Config in TOML form.
type LogConfig struct {
	Debug      bool   `toml:"debug" mapstructure:"debug"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Config is the full invocation configuration. Everything is optional; a
// missing config file yields the zero value plus environment overrides.
type Config struct {
	Store    StoreConfig   `toml:"store" mapstructure:"store"`
	Log      LogConfig     `toml:"log" mapstructure:"log"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Env      []string      `toml:"env" mapstructure:"env"`
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
}

// Load reads the TOML config at path. When path is empty the DAMPER_CONFIG
// variable is consulted; when that is empty too, no file is read.
// Environment variables are applied on top in all cases.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	var c Config
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.applyEnv()
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStateDir); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		c.Log.Debug = truthy(v)
	}
	if v := os.Getenv(EnvDebugFile); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv(EnvHistoryDSN); v != "" {
		c.History.DSN = v
	}
}

// LoggerConfig converts the TOML form for logger.Setup.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Debug:      c.Log.Debug,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
