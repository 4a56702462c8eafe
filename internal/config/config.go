// Package config loads tracker settings from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/procwatch/restrack/internal/resource"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	trimmed := string(text)
	if trimmed == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(trimmed)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogSettings configures logger construction.
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Settings holds every tunable of the tracker and its registry subprocess.
type Settings struct {
	// StartupTimeout bounds the wait for the registry's readiness line.
	StartupTimeout Duration `yaml:"startupTimeout"`
	// StopDeadline bounds the wait for registry exit before escalation.
	StopDeadline Duration `yaml:"stopDeadline"`
	// KillGrace bounds the wait for registry exit after forced termination.
	KillGrace Duration `yaml:"killGrace"`
	// MetricsListen, when non-empty, exposes the registry's Prometheus
	// metrics on this address.
	MetricsListen string `yaml:"metricsListen"`
	// Dirs overrides the namespace directory per resource kind, used by
	// tests and non-standard mount layouts.
	Dirs map[string]string `yaml:"dirs"`

	Log LogSettings `yaml:"log"`
}

// Default returns the settings used when no file or environment override
// is present.
func Default() Settings {
	return Settings{
		StartupTimeout: Duration{5 * time.Second},
		StopDeadline:   Duration{10 * time.Second},
		KillGrace:      Duration{2 * time.Second},
		Log:            LogSettings{Level: "info", Format: "json"},
	}
}

// Load reads settings from the provided path, applying defaults for absent
// fields and environment overrides on top.
func Load(path string) (Settings, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open settings file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%s: decode: %w", path, err)
	}

	for kind, dir := range cfg.Dirs {
		cfg.Dirs[kind] = os.ExpandEnv(dir)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

// FromEnv returns the default settings with environment overrides applied.
func FromEnv() Settings {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

func (s Settings) validate() error {
	for kind := range s.Dirs {
		if _, err := resource.ParseKind(kind); err != nil {
			return fmt.Errorf("dirs: %w", err)
		}
	}
	if s.StartupTimeout.Duration < 0 || s.StopDeadline.Duration < 0 || s.KillGrace.Duration < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// KindDirs converts the string-keyed override map into resource kinds.
// Load has already validated the keys.
func (s Settings) KindDirs() map[resource.Kind]string {
	if len(s.Dirs) == 0 {
		return nil
	}
	dirs := make(map[resource.Kind]string, len(s.Dirs))
	for kind, dir := range s.Dirs {
		dirs[resource.Kind(kind)] = dir
	}
	return dirs
}

func applyEnv(cfg *Settings) {
	if value := os.Getenv("RESTRACK_STARTUP_TIMEOUT"); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			cfg.StartupTimeout = Duration{d}
		}
	}
	if value := os.Getenv("RESTRACK_STOP_DEADLINE"); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			cfg.StopDeadline = Duration{d}
		}
	}
	if value := os.Getenv("RESTRACK_KILL_GRACE"); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			cfg.KillGrace = Duration{d}
		}
	}
	if value := os.Getenv("RESTRACK_METRICS_LISTEN"); value != "" {
		cfg.MetricsListen = value
	}
	if value := os.Getenv("RESTRACK_LOG_LEVEL"); value != "" {
		cfg.Log.Level = value
	}
	if value := os.Getenv("RESTRACK_LOG_FORMAT"); value != "" {
		cfg.Log.Format = value
	}
}
