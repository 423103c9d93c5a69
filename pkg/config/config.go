// Package config loads the single YAML file that configures a
// remote_build_runner process: the machine pool, the default build
// options applied to every step, the machine retry parameters
// consumed by pkg/machinehealth, and the log directory root. Grounded
// on bureau-foundation-bureau's lib/config: one file, named by a flag
// or environment variable, no fallback or automatic discovery.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thufschmitt/hydra/pkg/storemodel"
)

// EnvVar is the environment variable Load reads the config path from
// when no --config flag is given.
const EnvVar = "QUEUE_RUNNER_CONFIG"

// Machine is one worker entry in the pool, as printed in the YAML
// file. Duration and set fields are strings/lists here and converted
// by StoreMachines() into the shape pkg/storemodel and pkg/transport
// expect.
type Machine struct {
	SSHName           string   `yaml:"ssh_name"`
	SSHKey            string   `yaml:"ssh_key"`
	SupportedFeatures []string `yaml:"supported_features"`
	IsLocalhost       bool     `yaml:"is_localhost"`
}

// BuildOptions is the YAML form of storemodel.BuildOptions: durations
// are strings on the wire, parsed by Config.StoreBuildOptions.
type BuildOptions struct {
	MaxSilentTime      string `yaml:"max_silent_time"`
	BuildTimeout       string `yaml:"build_timeout"`
	MaxLogSize         uint64 `yaml:"max_log_size"`
	Repeats            int    `yaml:"repeats"`
	EnforceDeterminism bool   `yaml:"enforce_determinism"`
	KeepFailed         bool   `yaml:"keep_failed"`
}

// Config is the root of the config file.
type Config struct {
	// LogDir is the directory under which build logs are sharded
	// and stored, consumed by pkg/buildlog.Create.
	LogDir string `yaml:"log_dir"`

	// StoreDir is the directory under which pkg/localstore persists
	// NAR blobs for the local/destination store pair. It is distinct
	// from a real Nix store directory: see pkg/localstore's package
	// doc for what this deliberately does not implement.
	StoreDir string `yaml:"store_dir"`

	// MaxOutputSize ceils the total NAR size a step's outputs may
	// report during cmdQueryPathInfos, consumed by pkg/ingest.
	MaxOutputSize uint64 `yaml:"max_output_size"`

	// RetryInterval and RetryBackoff parameterize
	// pkg/machinehealth.Policy's exponential backoff.
	RetryInterval string  `yaml:"retry_interval"`
	RetryBackoff  float64 `yaml:"retry_backoff"`

	// Build carries the defaults applied to every step unless a
	// caller overrides them.
	Build BuildOptions `yaml:"build"`

	// Machines is the worker pool.
	Machines []Machine `yaml:"machines"`
}

// Default returns the baseline configuration, used only to seed
// zero-values before the file is loaded; it is not a fallback for a
// missing file.
func Default() *Config {
	return &Config{
		MaxOutputSize: 10 * 1024 * 1024 * 1024,
		RetryInterval: "30s",
		RetryBackoff:  3.0,
		Build: BuildOptions{
			MaxSilentTime: "0s",
			BuildTimeout:  "0s",
			MaxLogSize:    0,
			Repeats:       0,
		},
	}
}

// Load reads the config path from the QUEUE_RUNNER_CONFIG environment
// variable. There is no fallback: an unset variable is an error.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s is not set; point it at the runner's config YAML file", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for errors that would
// otherwise surface much later, as a confusing duration-parse failure
// or an empty machine pool silently building nothing.
func (c *Config) Validate() error {
	var errs []error

	if c.LogDir == "" {
		errs = append(errs, fmt.Errorf("log_dir is required"))
	}
	if c.StoreDir == "" {
		errs = append(errs, fmt.Errorf("store_dir is required"))
	}
	if len(c.Machines) == 0 {
		errs = append(errs, fmt.Errorf("machines must list at least one worker"))
	}
	if c.RetryBackoff <= 1.0 {
		errs = append(errs, fmt.Errorf("retry_backoff must be > 1.0, got %v", c.RetryBackoff))
	}
	if _, err := time.ParseDuration(c.RetryInterval); err != nil {
		errs = append(errs, fmt.Errorf("retry_interval: %w", err))
	}
	if _, err := time.ParseDuration(c.Build.MaxSilentTime); err != nil {
		errs = append(errs, fmt.Errorf("build.max_silent_time: %w", err))
	}
	if _, err := time.ParseDuration(c.Build.BuildTimeout); err != nil {
		errs = append(errs, fmt.Errorf("build.build_timeout: %w", err))
	}
	for i, m := range c.Machines {
		if m.SSHName == "" && !m.IsLocalhost {
			errs = append(errs, fmt.Errorf("machines[%d]: ssh_name is required unless is_localhost", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RetryIntervalDuration parses RetryInterval, already validated by
// Validate.
func (c *Config) RetryIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.RetryInterval)
	return d
}

// StoreBuildOptions converts the YAML build defaults into the
// storemodel.BuildOptions every step starts from, already validated
// by Validate.
func (c *Config) StoreBuildOptions() storemodel.BuildOptions {
	maxSilentTime, _ := time.ParseDuration(c.Build.MaxSilentTime)
	buildTimeout, _ := time.ParseDuration(c.Build.BuildTimeout)
	return storemodel.BuildOptions{
		MaxSilentTime:      maxSilentTime,
		BuildTimeout:       buildTimeout,
		MaxLogSize:         c.Build.MaxLogSize,
		Repeats:            c.Build.Repeats,
		EnforceDeterminism: c.Build.EnforceDeterminism,
		KeepFailed:         c.Build.KeepFailed,
	}
}

// StoreMachines converts the configured worker pool into
// storemodel.Machine instances, each with a fresh ConnectInfo.
func (c *Config) StoreMachines() []*storemodel.Machine {
	machines := make([]*storemodel.Machine, 0, len(c.Machines))
	for _, m := range c.Machines {
		machines = append(machines, storemodel.NewMachine(m.SSHName, m.SSHKey, m.SupportedFeatures, m.IsLocalhost))
	}
	return machines
}
