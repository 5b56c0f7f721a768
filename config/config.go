// Package config loads the demo configuration from YAML and applies the
// defaults of the reference demonstration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reference constants.
const (
	DefaultTrials     = 10
	DefaultWorkers    = 3
	DefaultIncrements = 100_000
	DefaultTarget     = 10
	DefaultPause      = 100 * time.Millisecond
)

// Config represents the complete demo configuration.
type Config struct {
	Race     RaceConfig     `yaml:"race"`
	Counting CountingConfig `yaml:"counting"`
	Log      LogConfig      `yaml:"log"`
}

// RaceConfig contains the shared-counter experiment settings.
type RaceConfig struct {
	Trials     int `yaml:"trials"`
	Workers    int `yaml:"workers"`
	Increments int `yaml:"increments"` // per worker
}

// CountingConfig contains the slot counting settings.
type CountingConfig struct {
	Target          int      `yaml:"target"`
	Pause           Duration `yaml:"pause"`            // between two steps of the same slot
	ShutdownTimeout Duration `yaml:"shutdown_timeout"` // looper drain on exit
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Duration is a time.Duration written as a Go duration string ("100ms").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration of the reference demonstration.
func Default() *Config {
	return &Config{
		Race: RaceConfig{
			Trials:     DefaultTrials,
			Workers:    DefaultWorkers,
			Increments: DefaultIncrements,
		},
		Counting: CountingConfig{
			Target:          DefaultTarget,
			Pause:           Duration(DefaultPause),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid value")

// Validate checks every field and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []error
	positive := func(field string, v int) {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be >= 1, got %d: %w", field, v, ErrInvalid))
		}
	}

	positive("race.trials", cfg.Race.Trials)
	positive("race.workers", cfg.Race.Workers)
	positive("race.increments", cfg.Race.Increments)
	positive("counting.target", cfg.Counting.Target)

	if cfg.Counting.Pause < 0 {
		errs = append(errs, fmt.Errorf("counting.pause must not be negative: %w", ErrInvalid))
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q (want text or json): %w", cfg.Log.Format, ErrInvalid))
	}

	return errors.Join(errs...)
}

// Logger builds the slog logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level %q: %w", s, ErrInvalid)
	}
	return level, nil
}
