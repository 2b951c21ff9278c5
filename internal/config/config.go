// Package config loads the engine's operational settings: the database
// path, janitor batch/interval tuning, and telemetry toggles. Settings
// come from a TOML project file plus environment overrides, following the
// teacher's viper-backed config loading in cmd/bd/config.go and
// internal/labelmutex/policy.go.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config holds every tunable the engine CLI and janitor loop read at
// startup.
type Config struct {
	// DBPath is the SQLite file backing the KV substrate. ":memory:" is
	// accepted for ephemeral use (tests, one-shot CLI invocations).
	DBPath string `mapstructure:"db_path" toml:"db_path"`

	// BusyTimeoutMillis is the SQLite busy_timeout pragma applied to the
	// underlying connection.
	BusyTimeoutMillis int `mapstructure:"busy_timeout_ms" toml:"busy_timeout_ms"`

	// JanitorInterval is how often the standalone janitor loop runs a
	// full pass. Zero or a negative value makes the loop fall back to 30s
	// (the CLI's "janitor run" command runs a single pass on demand).
	JanitorInterval time.Duration `mapstructure:"janitor_interval" toml:"janitor_interval"`

	// JanitorBatchSize overrides the engine's default batch size for
	// janitor sweeps. Zero keeps the engine's built-in default.
	JanitorBatchSize int `mapstructure:"janitor_batch_size" toml:"janitor_batch_size"`

	// OTelEnabled toggles the metrics/trace exporters set up in
	// internal/telemetry (spans are discarded, metrics are written to
	// stderr). Disabled by default so a bare CLI invocation doesn't spam
	// stderr with metric dumps.
	OTelEnabled bool `mapstructure:"otel_enabled" toml:"otel_enabled"`
}

// Default returns the settings used when no config file is present.
func Default() Config {
	return Config{
		DBPath:            "beadqueue.db",
		BusyTimeoutMillis: 5000,
		JanitorInterval:   30 * time.Second,
		JanitorBatchSize:  100,
		OTelEnabled:       false,
	}
}

// Load reads path (a beadqueue.toml project file) if present, falling
// back to Default for any key it doesn't set, then applies
// BEADQUEUE_-prefixed environment overrides via viper — the same
// two-layer precedence (file, then env) the teacher's config loading
// uses for its own settings.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("beadqueue")
	v.AutomaticEnv()

	if v.IsSet("db_path") {
		cfg.DBPath = v.GetString("db_path")
	}
	if v.IsSet("busy_timeout_ms") {
		cfg.BusyTimeoutMillis = v.GetInt("busy_timeout_ms")
	}
	if v.IsSet("janitor_interval") {
		cfg.JanitorInterval = v.GetDuration("janitor_interval")
	}
	if v.IsSet("janitor_batch_size") {
		cfg.JanitorBatchSize = v.GetInt("janitor_batch_size")
	}
	if v.IsSet("otel_enabled") {
		cfg.OTelEnabled = v.GetBool("otel_enabled")
	}

	return cfg, nil
}
