// Package config defines the Configuration surface consumed by the core
// engine. Loading it from flags or a file is the CLI layer's job; this
// package only owns the struct, its defaults, and validation.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/paratest-core/paratest/errors"
)

// UpdateSnapshots selects snapshot-matcher behavior. The matcher itself
// is out of scope; this is a passthrough value.
type UpdateSnapshots string

const (
	UpdateSnapshotsAll     UpdateSnapshots = "all"
	UpdateSnapshotsNone    UpdateSnapshots = "none"
	UpdateSnapshotsMissing UpdateSnapshots = "missing"
)

// ShardSpec is a 1-based (externally) shard selection; Dispatcher and
// Generator consume the 0-based Current internally (see NormalizedShard).
type ShardSpec struct {
	Current int `yaml:"current"`
	Total   int `yaml:"total"`
}

// Config is the full configuration surface consumed by the engine.
type Config struct {
	Workers         int             `yaml:"workers"`
	Timeout         time.Duration   `yaml:"timeout"`
	GlobalTimeout   time.Duration   `yaml:"globalTimeout"`
	Retries         int             `yaml:"retries"`
	RepeatEach      int             `yaml:"repeatEach"`
	MaxFailures     int             `yaml:"maxFailures"`
	ForbidOnly      bool            `yaml:"forbidOnly"`
	Shard           ShardSpec       `yaml:"shard"`
	Grep            string          `yaml:"grep"`
	UpdateSnapshots UpdateSnapshots `yaml:"updateSnapshots"`
	OutputDir       string          `yaml:"outputDir"`
}

// Default returns a Config with conservative defaults: one worker, no
// timeouts, no retries, repeatEach=1, no max-failures bound.
func Default() *Config {
	return &Config{
		Workers:         1,
		RepeatEach:      1,
		UpdateSnapshots: UpdateSnapshotsMissing,
	}
}

// Load reads a YAML Config from path, applying Default()'s zero values
// first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapKind(errors.KindConfigInvalid, err, "reading config file %q", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapKind(errors.KindConfigInvalid, err, "parsing config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the types and ranges each field requires.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.NewKind(errors.KindConfigInvalid, "workers must be >= 1, got %d", c.Workers)
	}
	if c.Timeout < 0 {
		return errors.NewKind(errors.KindConfigInvalid, "timeout must be >= 0, got %s", c.Timeout)
	}
	if c.GlobalTimeout < 0 {
		return errors.NewKind(errors.KindConfigInvalid, "globalTimeout must be >= 0, got %s", c.GlobalTimeout)
	}
	if c.Retries < 0 {
		return errors.NewKind(errors.KindConfigInvalid, "retries must be >= 0, got %d", c.Retries)
	}
	if c.RepeatEach < 1 {
		return errors.NewKind(errors.KindConfigInvalid, "repeatEach must be >= 1, got %d", c.RepeatEach)
	}
	if c.MaxFailures < 0 {
		return errors.NewKind(errors.KindConfigInvalid, "maxFailures must be >= 0, got %d", c.MaxFailures)
	}
	if c.Shard.Total > 0 && (c.Shard.Current < 1 || c.Shard.Current > c.Shard.Total) {
		return errors.NewKind(errors.KindConfigInvalid, "shard.current must be in [1, %d], got %d", c.Shard.Total, c.Shard.Current)
	}
	switch c.UpdateSnapshots {
	case "", UpdateSnapshotsAll, UpdateSnapshotsNone, UpdateSnapshotsMissing:
	default:
		return errors.NewKind(errors.KindConfigInvalid, "invalid updateSnapshots value %q", c.UpdateSnapshots)
	}
	return nil
}

// NormalizedShard converts the 1-based external ShardSpec to the 0-based
// Current the generator expects.
func (c *Config) NormalizedShard() (current, total int) {
	if c.Shard.Total <= 0 {
		return 0, 0
	}
	return c.Shard.Current - 1, c.Shard.Total
}
