// Package config loads run configuration for the dagmc commands.
//
// Values are resolved with priority environment > file > defaults. Every
// field can be overridden by a DAGMC_ variable, for example DAGMC_CHAINS=4
// or DAGMC_LOG_LEVEL=debug.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/sbl8/dagmc/logging"
	"github.com/sbl8/dagmc/runtime"
	"github.com/sbl8/dagmc/store"
)

// HeatConfig mirrors runtime.Heats
type HeatConfig struct {
	Prior      float64 `yaml:"prior"`
	Likelihood float64 `yaml:"likelihood"`
	Posterior  float64 `yaml:"posterior"`
}

// StoreConfig selects where samples go. An empty Path disables persistence.
type StoreConfig struct {
	Path            string `yaml:"path"`
	InMemory        bool   `yaml:"in_memory"`
	SyncWrites      bool   `yaml:"sync_writes"`
	BatchSize       int    `yaml:"batch_size"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RunConfig is the complete configuration of a sampling run
type RunConfig struct {
	Model        string      `yaml:"model"`
	Chains       int         `yaml:"chains"`
	Workers      int         `yaml:"workers"`
	Seed         uint64      `yaml:"seed"`
	Iterations   int         `yaml:"iterations"`
	BurnIn       int         `yaml:"burnin"`
	TuneInterval int         `yaml:"tune_interval"`
	SampleEvery  int         `yaml:"sample_every"`
	Optimize     int         `yaml:"optimize"`
	Heats        HeatConfig  `yaml:"heats"`
	Store        StoreConfig `yaml:"store"`
	Log          LogConfig   `yaml:"log"`
	MetricsAddr  string      `yaml:"metrics_addr"`
}

// Default returns the default configuration
func Default() RunConfig {
	return RunConfig{
		Chains:       1,
		Seed:         1,
		Iterations:   10000,
		BurnIn:       1000,
		TuneInterval: 100,
		SampleEvery:  10,
		Heats:        HeatConfig{Prior: 1, Likelihood: 1, Posterior: 1},
		Store: StoreConfig{
			SyncWrites:      true,
			BatchSize:       64,
			CheckpointEvery: 1000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (RunConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DAGMC_ environment variables. Malformed
// values are errors.
func (c *RunConfig) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("DAGMC_MODEL", &c.Model)
	integer("DAGMC_CHAINS", &c.Chains)
	integer("DAGMC_WORKERS", &c.Workers)
	if v, ok := os.LookupEnv("DAGMC_SEED"); ok {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("DAGMC_SEED: %w", err))
		} else {
			c.Seed = seed
		}
	}
	integer("DAGMC_ITERATIONS", &c.Iterations)
	integer("DAGMC_BURNIN", &c.BurnIn)
	integer("DAGMC_TUNE_INTERVAL", &c.TuneInterval)
	integer("DAGMC_SAMPLE_EVERY", &c.SampleEvery)
	integer("DAGMC_OPTIMIZE", &c.Optimize)
	float("DAGMC_PRIOR_HEAT", &c.Heats.Prior)
	float("DAGMC_LIKELIHOOD_HEAT", &c.Heats.Likelihood)
	float("DAGMC_POSTERIOR_HEAT", &c.Heats.Posterior)
	str("DAGMC_STORE_PATH", &c.Store.Path)
	boolean("DAGMC_STORE_IN_MEMORY", &c.Store.InMemory)
	boolean("DAGMC_STORE_SYNC_WRITES", &c.Store.SyncWrites)
	integer("DAGMC_STORE_BATCH_SIZE", &c.Store.BatchSize)
	integer("DAGMC_CHECKPOINT_EVERY", &c.Store.CheckpointEvery)
	str("DAGMC_LOG_LEVEL", &c.Log.Level)
	boolean("DAGMC_LOG_JSON", &c.Log.JSON)
	str("DAGMC_METRICS_ADDR", &c.MetricsAddr)
	return errors.Join(errs...)
}

// Validate checks ranges and cross-field constraints
func (c RunConfig) Validate() error {
	var errs []error
	if c.Chains < 1 {
		errs = append(errs, fmt.Errorf("chains must be at least 1, got %d", c.Chains))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.Iterations < 0 || c.BurnIn < 0 || c.Optimize < 0 {
		errs = append(errs, errors.New("iterations, burnin and optimize must not be negative"))
	}
	if c.TuneInterval < 0 || c.SampleEvery < 0 {
		errs = append(errs, errors.New("tune_interval and sample_every must not be negative"))
	}
	if c.BurnIn > c.Iterations {
		errs = append(errs, fmt.Errorf("burnin %d exceeds iterations %d", c.BurnIn, c.Iterations))
	}
	for name, h := range map[string]float64{"prior": c.Heats.Prior, "likelihood": c.Heats.Likelihood, "posterior": c.Heats.Posterior} {
		if !(h >= 0) {
			errs = append(errs, fmt.Errorf("%s heat must not be negative, got %v", name, h))
		}
	}
	if c.Store.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("store batch_size must be at least 1, got %d", c.Store.BatchSize))
	}
	if c.Store.CheckpointEvery < 0 {
		errs = append(errs, errors.New("store checkpoint_every must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Persistent reports whether samples are stored
func (c RunConfig) Persistent() bool {
	return c.Store.Path != "" || c.Store.InMemory
}

// EngineOptions converts the configuration for runtime.NewEngine
func (c RunConfig) EngineOptions() runtime.EngineOptions {
	opts := runtime.DefaultEngineOptions()
	opts.Chains = c.Chains
	if c.Workers > 0 {
		opts.Workers = c.Workers
	}
	opts.Seed = c.Seed
	opts.Chain.Heats = runtime.Heats{Prior: c.Heats.Prior, Likelihood: c.Heats.Likelihood, Posterior: c.Heats.Posterior}
	opts.Chain.BurnIn = c.BurnIn
	opts.Chain.TuneInterval = c.TuneInterval
	opts.Chain.SampleEvery = c.SampleEvery
	return opts
}

// StoreOptions converts the configuration for store.Open
func (c RunConfig) StoreOptions() store.Config {
	if c.Store.InMemory {
		return store.InMemoryConfig()
	}
	cfg := store.DefaultConfig(c.Store.Path)
	cfg.SyncWrites = c.Store.SyncWrites
	return cfg
}

// Logging converts the configuration for logging.New
func (c RunConfig) Logging() logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{Level: level, JSON: c.Log.JSON}
}
