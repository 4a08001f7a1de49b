// Package config loads probeweaver's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/probeweaver/internal/logging"
	"github.com/kolkov/probeweaver/internal/probe/coordinator"
	"github.com/kolkov/probeweaver/internal/probe/snapshot"
)

// Config is the top-level configuration file.
//
// Example:
//
//	loader: app
//	error_policy: resume
//	auto_flush:
//	  enabled: true
//	  rate: 10
//	  burst: 2
//	fetch:
//	  concurrency: 8
//	  retries: 5
//	  backoff: 100ms
//	state_dir: /var/lib/probeweaver
//	log:
//	  level: debug
//	  format: console
type Config struct {
	Loader        string                  `yaml:"loader"`
	ErrorPolicy   coordinator.ErrorPolicy `yaml:"error_policy"`
	AutoFlush     AutoFlush               `yaml:"auto_flush"`
	Fetch         Fetch                   `yaml:"fetch"`
	ClassCache    int                     `yaml:"class_cache"`
	CaptureOrigin bool                    `yaml:"capture_origin"`
	StateDir      string                  `yaml:"state_dir,omitempty"`
	DumpDir       string                  `yaml:"dump_dir,omitempty"`
	Log           logging.Config          `yaml:"log"`
	Metrics       Metrics                 `yaml:"metrics"`
}

// AutoFlush controls cycles started by asynchronous requests.
type AutoFlush struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// Fetch controls how class bodies are read from the observed process.
type Fetch struct {
	Concurrency int           `yaml:"concurrency"`
	Retries     uint64        `yaml:"retries"`
	Backoff     time.Duration `yaml:"backoff"`
}

// Metrics controls collector registration.
type Metrics struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ErrorPolicy: coordinator.PolicyHalt,
		AutoFlush: AutoFlush{
			Rate:  float64(coordinator.DefaultCycleRate),
			Burst: coordinator.DefaultCycleBurst,
		},
		Fetch: Fetch{
			Concurrency: coordinator.DefaultFetchConcurrency,
			Retries:     coordinator.DefaultFetchRetries,
			Backoff:     coordinator.DefaultFetchBackoff,
		},
		ClassCache: coordinator.DefaultClassCacheSize,
		Log:        logging.Default(),
		Metrics:    Metrics{Namespace: "probeweaver"},
	}
}

// Load reads and validates the file at path. Fields missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS is Load on fsys.
func LoadFS(fsys afero.Fs, path string) (*Config, error) {
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, coordinator.ErrUnknownPolicy) {
			// The decoder reports text unmarshal errors without the key.
			return nil, fmt.Errorf("failed to parse config: error_policy: %w", err)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write encodes cfg as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := coordinator.ParseErrorPolicy(c.ErrorPolicy.String()); err != nil {
		return fmt.Errorf("error_policy: %w", err)
	}
	if c.AutoFlush.Rate < 0 {
		return fmt.Errorf("auto_flush.rate: must not be negative, got %v", c.AutoFlush.Rate)
	}
	if c.AutoFlush.Burst < 0 {
		return fmt.Errorf("auto_flush.burst: must not be negative, got %d", c.AutoFlush.Burst)
	}
	if c.Fetch.Concurrency < 0 {
		return fmt.Errorf("fetch.concurrency: must not be negative, got %d", c.Fetch.Concurrency)
	}
	if c.Fetch.Backoff < 0 {
		return fmt.Errorf("fetch.backoff: must not be negative, got %v", c.Fetch.Backoff)
	}
	if c.ClassCache < 0 {
		return fmt.Errorf("class_cache: must not be negative, got %d", c.ClassCache)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Options turns the configuration into coordinator options. The state
// store and class dump directory live on fsys; reg may be nil to skip
// metrics.
func (c *Config) Options(fsys afero.Fs, log *zap.Logger, reg prometheus.Registerer) ([]coordinator.Option, error) {
	opts := []coordinator.Option{
		coordinator.WithLogger(log),
		coordinator.WithClassLoader(c.Loader),
		coordinator.WithErrorPolicy(c.ErrorPolicy),
		coordinator.WithClassCache(c.ClassCache),
		coordinator.WithFetch(c.Fetch.Concurrency, c.Fetch.Retries, c.Fetch.Backoff),
		coordinator.WithOriginCapture(c.CaptureOrigin),
	}
	if c.AutoFlush.Enabled {
		opts = append(opts, coordinator.WithAutoFlush(rate.Limit(c.AutoFlush.Rate), c.AutoFlush.Burst))
	}
	if reg != nil {
		opts = append(opts, coordinator.WithMetrics(reg, c.Metrics.Namespace))
	}
	if c.StateDir != "" {
		store, err := snapshot.NewStore(fsys, c.StateDir, log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, coordinator.WithStore(store))
	}
	if c.DumpDir != "" {
		opts = append(opts, coordinator.WithClassDump(fsys, c.DumpDir))
	}
	return opts, nil
}
