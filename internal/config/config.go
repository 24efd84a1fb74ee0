// Package config loads the controller's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// #region types

// Config holds the controller settings.
type Config struct {
	DBPath      string `yaml:"db_path"`
	ScriptsDir  string `yaml:"scripts_dir"`
	SettingsDir string `yaml:"settings_dir"`
	ListenAddr  string `yaml:"listen_addr"`

	// Interval is the loop cadence, e.g. "5m".
	Interval          string  `yaml:"interval"`
	TDDWeight         float64 `yaml:"tdd_weight"`
	GlucoseLimit      int     `yaml:"glucose_limit"`
	MicroBolusAllowed bool    `yaml:"micro_bolus_allowed"`

	Log LogConfig `yaml:"log"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// #endregion

// #region defaults

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DBPath:       "oref_loop.db",
		ScriptsDir:   "javascript",
		SettingsDir:  "settings",
		ListenAddr:   "localhost:50052",
		Interval:     "5m",
		TDDWeight:    0.65,
		GlucoseLimit: 288,
		Log:          LogConfig{Level: "info"},
	}
}

// #endregion

// #region load

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DBPath = envOr("LOOP_DB", c.DBPath)
	c.ScriptsDir = envOr("LOOP_SCRIPTS", c.ScriptsDir)
	c.SettingsDir = envOr("LOOP_SETTINGS", c.SettingsDir)
	c.ListenAddr = envOr("LOOP_LISTEN", c.ListenAddr)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion

// #region validate

// Validate rejects settings the controller cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.TDDWeight < 0 || c.TDDWeight > 1 {
		return fmt.Errorf("tdd_weight %v outside [0,1]", c.TDDWeight)
	}
	if c.GlucoseLimit < 0 {
		return fmt.Errorf("glucose_limit %d is negative", c.GlucoseLimit)
	}
	if _, err := c.LoopInterval(); err != nil {
		return err
	}
	return nil
}

// LoopInterval parses Interval.
func (c *Config) LoopInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 0, fmt.Errorf("interval %q: %w", c.Interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", c.Interval)
	}
	return d, nil
}

// #endregion
