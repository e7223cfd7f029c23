// Package config loads and validates the beamtutor run configuration.
// Decoding is strict: unknown fields, trailing documents, and
// schema-invalid values are all rejected before defaults apply.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beamtutor/beamtutor/internal/pipeline/container"
	"github.com/beamtutor/beamtutor/internal/pipeline/engine"
	"github.com/beamtutor/beamtutor/internal/tutorial"
)

// HealthCheckConfig is the YAML shape of a container readiness probe.
type HealthCheckConfig struct {
	Command        string `yaml:"command" json:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Retries        int    `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// ContainerConfig is the YAML shape of one managed container.
type ContainerConfig struct {
	Image                 string             `yaml:"image" json:"image"`
	Ports                 map[string]string  `yaml:"ports,omitempty" json:"ports,omitempty"`
	Environment           map[string]string  `yaml:"environment,omitempty" json:"environment,omitempty"`
	Volumes               map[string]string  `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Command               string             `yaml:"command,omitempty" json:"command,omitempty"`
	Args                  []string           `yaml:"args,omitempty" json:"args,omitempty"`
	Options               []string           `yaml:"options,omitempty" json:"options,omitempty"`
	HealthCheck           *HealthCheckConfig `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	StartupTimeoutSeconds int                `yaml:"startup_timeout_seconds,omitempty" json:"startup_timeout_seconds,omitempty"`
}

// RetryConfig mirrors the orchestrator's knobs. Delays are in seconds.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Strategy    string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	BaseDelay   int    `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay    int    `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// File is the full run configuration document.
type File struct {
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	Tutorials struct {
		Root     string   `yaml:"root,omitempty" json:"root,omitempty"`
		Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	} `yaml:"tutorials,omitempty" json:"tutorials,omitempty"`

	BitsDemoPath string `yaml:"bits_demo_path,omitempty" json:"bits_demo_path,omitempty"`
	PythonBin    string `yaml:"python_bin,omitempty" json:"python_bin,omitempty"`

	Runtime struct {
		PreferPodman *bool `yaml:"prefer_podman,omitempty" json:"prefer_podman,omitempty"`
	} `yaml:"runtime,omitempty" json:"runtime,omitempty"`

	Retry RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	Containers map[string]ContainerConfig `yaml:"containers,omitempty" json:"containers,omitempty"`

	StopOnFailure bool `yaml:"stop_on_failure,omitempty" json:"stop_on_failure,omitempty"`

	LogsRoot     string `yaml:"logs_root,omitempty" json:"logs_root,omitempty"`
	HistoryPath  string `yaml:"history_path,omitempty" json:"history_path,omitempty"`
	FixStatsPath string `yaml:"fix_stats_path,omitempty" json:"fix_stats_path,omitempty"`
}

// Default returns the configuration used when no file is supplied.
func Default() *File {
	cfg := &File{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, schema-checks, defaults, and validates a configuration file.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a configuration document from bytes.
func Parse(b []byte) (*File, error) {
	if err := validateSchema(b); err != nil {
		return nil, err
	}
	var cfg File
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *File) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Tutorials.Root == "" {
		cfg.Tutorials.Root = "."
	}
	if len(cfg.Tutorials.Patterns) == 0 {
		cfg.Tutorials.Patterns = append([]string(nil), tutorial.DefaultPatterns...)
	}
	if cfg.BitsDemoPath == "" {
		cfg.BitsDemoPath = tutorial.DefaultDemoPath
	}
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python"
	}
	if cfg.Runtime.PreferPodman == nil {
		t := true
		cfg.Runtime.PreferPodman = &t
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = engine.DefaultMaxAttempts
	}
	if cfg.Retry.Strategy == "" {
		cfg.Retry.Strategy = string(engine.StrategyAdaptive)
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 5
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 60
	}
	if cfg.LogsRoot == "" {
		cfg.LogsRoot = "runs"
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "runs/history.db"
	}
	if cfg.FixStatsPath == "" {
		cfg.FixStatsPath = "runs/fixstats.msgpack"
	}
}

func validate(cfg *File) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d", cfg.Version)
	}
	if _, err := engine.ParseStrategy(cfg.Retry.Strategy); err != nil {
		return err
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay < 0 || cfg.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	specs, err := cfg.ContainerSpecs()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Strategy returns the parsed retry strategy. Only valid after Load/Parse.
func (cfg *File) Strategy() engine.Strategy {
	s, _ := engine.ParseStrategy(cfg.Retry.Strategy)
	return s
}

// BaseDelayDuration converts the configured base delay.
func (cfg *File) BaseDelayDuration() time.Duration {
	return time.Duration(cfg.Retry.BaseDelay) * time.Second
}

// MaxDelayDuration converts the configured max delay.
func (cfg *File) MaxDelayDuration() time.Duration {
	return time.Duration(cfg.Retry.MaxDelay) * time.Second
}

// ContainerSpecs converts the configured containers into launch specs. An
// empty containers map falls back to the built-in demo IOC pair.
func (cfg *File) ContainerSpecs() (map[string]container.Spec, error) {
	if len(cfg.Containers) == 0 {
		return container.DefaultSpecs(), nil
	}
	specs := make(map[string]container.Spec, len(cfg.Containers))
	for name, cc := range cfg.Containers {
		spec := container.Spec{
			Name:           name,
			Image:          cc.Image,
			Ports:          cc.Ports,
			Environment:    cc.Environment,
			Volumes:        cc.Volumes,
			Command:        cc.Command,
			Args:           cc.Args,
			Options:        cc.Options,
			StartupTimeout: time.Duration(cc.StartupTimeoutSeconds) * time.Second,
		}
		if cc.HealthCheck != nil {
			spec.HealthCheck = &container.HealthCheck{
				Command: cc.HealthCheck.Command,
				Timeout: time.Duration(cc.HealthCheck.TimeoutSeconds) * time.Second,
				Retries: cc.HealthCheck.Retries,
			}
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs[name] = spec
	}
	return specs, nil
}
