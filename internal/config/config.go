package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-groupnorm/internal/groupnorm"
)

type Config struct {
	Eps                 float32 `toml:"eps" yaml:"eps"`
	Workers             int     `toml:"workers" yaml:"workers"`
	MinParallelElements int     `toml:"min_parallel_elements" yaml:"min_parallel_elements"`
	CheckNumerics       bool    `toml:"check_numerics" yaml:"check_numerics"`

	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"`

	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`
	FlightAddr  string `toml:"flight_addr" yaml:"flight_addr"`
}

func Default() Config {
	return Config{
		Eps:                 1e-5,
		MinParallelElements: groupnorm.DefaultMinParallelElements,
		LogLevel:            "info",
		LogFormat:           "console",
		MetricsAddr:         ":9090",
		FlightAddr:          "localhost:3000",
	}
}

func (c *Config) Validate() error {
	eps := float64(c.Eps)
	if c.Eps <= 0 || math.IsNaN(eps) || math.IsInf(eps, 0) {
		return &groupnorm.ConfigurationError{
			Field: "eps",
			Msg:   fmt.Sprintf("%v (must be positive and finite)", c.Eps),
		}
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", c.Workers)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}

// Kernel projects the kernel settings onto groupnorm.Config.
func (c *Config) Kernel() groupnorm.Config {
	return groupnorm.Config{
		Epsilon:             c.Eps,
		Workers:             c.Workers,
		MinParallelElements: c.MinParallelElements,
	}
}

// Load reads a TOML or YAML file over Default and validates the result.
// Keys absent from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document leaves the defaults untouched.
		if err := dec.Decode(&cfg); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
