// ============================================================================
// pixelsqueeze configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML config file, .env overlay, PIXELSQUEEZE_* environment overrides
//
// Precedence (low to high):
//   1. Default()
//   2. YAML file (--config, default configs/default.yaml)
//   3. .env file in the working directory (only sets unset variables)
//   4. PIXELSQUEEZE_* environment variables
//   5. CLI flags (applied by internal/cli)
//
// Validate() runs go-playground/validator over the struct tags.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when --config is not given. A missing default file is not an error.
const DefaultPath = "configs/default.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PIXELSQUEEZE_"

// Config is the complete runtime configuration.
type Config struct {
	Workers     int           `yaml:"workers" validate:"gte=0,lte=512"`
	BackupDir   string        `yaml:"backup_dir"`
	StepTimeout time.Duration `yaml:"step_timeout" validate:"gte=0"`
	SkipCheck   bool          `yaml:"skip_check"`

	Tools Tools `yaml:"tools" validate:"required"`

	Conversion struct {
		JPEGQuality int `yaml:"jpeg_quality" validate:"gte=1,lte=100"`
	} `yaml:"conversion"`

	Artifact struct {
		Enabled  bool   `yaml:"enabled"`
		Quality  int    `yaml:"quality" validate:"gte=0,lte=100"`
		Baseline string `yaml:"baseline" validate:"oneof=final original"`
	} `yaml:"artifact"`

	Log struct {
		Level  string `yaml:"level" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" validate:"oneof=text json"`
	} `yaml:"log"`

	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// Tools holds the binary used for every optimizer step. Bare names are resolved on PATH.
type Tools struct {
	Jpegoptim string `yaml:"jpegoptim" validate:"required"`
	Guetzli   string `yaml:"guetzli" validate:"required"`
	Jpegtran  string `yaml:"jpegtran" validate:"required"`
	Optipng   string `yaml:"optipng" validate:"required"`
	Advpng    string `yaml:"advpng" validate:"required"`
	Pngcrush  string `yaml:"pngcrush" validate:"required"`
	Gifsicle  string `yaml:"gifsicle" validate:"required"`
	Cwebp     string `yaml:"cwebp" validate:"required"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Workers: runtime.NumCPU(),
		Tools: Tools{
			Jpegoptim: "jpegoptim",
			Guetzli:   "guetzli",
			Jpegtran:  "jpegtran",
			Optipng:   "optipng",
			Advpng:    "advpng",
			Pngcrush:  "pngcrush",
			Gifsicle:  "gifsicle",
			Cwebp:     "cwebp",
		},
	}
	cfg.Conversion.JPEGQuality = 95
	cfg.Artifact.Enabled = true
	cfg.Artifact.Quality = 90
	cfg.Artifact.Baseline = "final"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load builds a config from Default, the YAML file at path and the environment.
// When explicit is false a missing file is ignored.
func Load(path string, explicit bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.ApplyEnv(".env"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv loads dotenv (if present) and applies PIXELSQUEEZE_* overrides.
func (c *Config) ApplyEnv(dotenv string) error {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", dotenv, err)
		}
	}

	if v, ok := lookup("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sWORKERS %q: %w", EnvPrefix, v, err)
		}
		c.Workers = n
	}
	if v, ok := lookup("STEP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sSTEP_TIMEOUT %q: %w", EnvPrefix, v, err)
		}
		c.StepTimeout = d
	}
	if v, ok := lookup("BACKUP_DIR"); ok {
		c.BackupDir = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookup("METRICS_TEXTFILE"); ok {
		c.Metrics.Textfile = v
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PoolSize returns the worker count, falling back to the CPU count.
func (c *Config) PoolSize() int {
	if c.Workers <= 0 {
		return runtime.NumCPU()
	}
	return c.Workers
}

// ResolvedBackupDir returns the directory that holds per-job backups.
func (c *Config) ResolvedBackupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(os.TempDir(), "pixelsqueeze-backups")
}
