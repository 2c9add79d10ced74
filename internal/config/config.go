// Package config loads the YAML configuration of the fdscache command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors the YAML file. Every field has a usable default.
type Config struct {
	// Dir is searched for .smv files.
	Dir string `yaml:"dir"`

	Cache    Cache    `yaml:"cache"`
	Workload Workload `yaml:"workload"`

	// Metrics is the listen address for /metrics ("" = disabled).
	Metrics string `yaml:"metrics"`
	// Pprof is the listen address for /debug/pprof ("" = disabled).
	Pprof string `yaml:"pprof"`
	// LogLevel overrides FDSCACHE_LOG.
	LogLevel string `yaml:"log_level"`
}

// Cache configures the artifact store.
type Cache struct {
	MaxBytes int64         `yaml:"max_bytes"`
	Shards   int           `yaml:"shards"`
	Policy   string        `yaml:"policy"` // lru | 2q
	Refresh  time.Duration `yaml:"refresh"`
	Prefetch int           `yaml:"prefetch_concurrency"`
}

// Workload configures the synthetic request generator.
type Workload struct {
	Workers  int           `yaml:"workers"`
	Duration time.Duration `yaml:"duration"`
	Seed     int64         `yaml:"seed"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Dir: ".",
		Cache: Cache{
			MaxBytes: 256 << 20,
			Policy:   "lru",
		},
		Workload: Workload{
			Workers:  8,
			Duration: 5 * time.Second,
			Seed:     1,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// optional is set.
func Load(path string, optional bool) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.Cache.MaxBytes < 0 {
		errs = append(errs, errors.New("cache.max_bytes must be >= 0"))
	}
	switch c.Cache.Policy {
	case "", "lru", "2q":
	default:
		errs = append(errs, fmt.Errorf("cache.policy %q: want lru or 2q", c.Cache.Policy))
	}
	if c.Workload.Workers < 1 {
		errs = append(errs, errors.New("workload.workers must be >= 1"))
	}
	if c.Workload.Duration <= 0 {
		errs = append(errs, errors.New("workload.duration must be > 0"))
	}
	return errors.Join(errs...)
}
