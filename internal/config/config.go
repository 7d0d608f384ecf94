// Package config holds the immutable settings of a verification run.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	defaults "github.com/mcuadros/go-defaults"
)

// Config is built once at startup and passed by value to the pipeline.
type Config struct {
	DistanceThreshold float64 `toml:"distance_threshold" default:"0.6"`
	ZoomOutFactor     float64 `toml:"zoom_out_factor" default:"0.2"`
	BaseOutputDir     string  `toml:"base_output_dir" default:"output"`
	InputDir          string  `toml:"input_dir" default:"input"`
	FaceQuality       float64 `toml:"face_quality" default:"0.8"`
	JPEGQuality       int     `toml:"jpeg_quality" default:"92"`
	RunTimeout        string  `toml:"run_timeout" default:"2m"`

	Detector     string `toml:"detector" default:"python"`
	PythonBin    string `toml:"python_bin" default:"python3"`
	WorkerScript string `toml:"worker_script" default:"python/worker.py"`
	Engines      int    `toml:"engines" default:"2"`
	ModelsDir    string `toml:"models_dir" default:"models"`

	DatabaseURL string `toml:"database_url"`
	LogFile     string `toml:"log_file"`
}

// Default returns a Config populated from the struct tag defaults.
func Default() Config {
	var c Config
	defaults.SetDefaults(&c)
	return c
}

// Load returns the defaults overlaid with the TOML file at path. An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); err != nil {
		return c, fmt.Errorf("config file %s: %w", path, err)
	}
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return c, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}
	return c, nil
}

// Timeout returns the parsed run deadline. Zero means no deadline.
func (c Config) Timeout() time.Duration {
	d, _ := time.ParseDuration(c.RunTimeout)
	return d
}

// Validate ensures the settings can drive a run before any heavy work starts.
func (c Config) Validate() error {
	for _, f := range []struct {
		key string
		v   float64
	}{
		{"distance_threshold", c.DistanceThreshold},
		{"zoom_out_factor", c.ZoomOutFactor},
		{"face_quality", c.FaceQuality},
	} {
		// NaN slips through every comparison below.
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s must be a finite number, got %f", f.key, f.v)
		}
	}
	if c.DistanceThreshold <= 0 {
		return fmt.Errorf("distance_threshold must be > 0, got %f", c.DistanceThreshold)
	}
	if c.ZoomOutFactor < 0 {
		return fmt.Errorf("zoom_out_factor must be >= 0, got %f", c.ZoomOutFactor)
	}
	if c.FaceQuality < 0 || c.FaceQuality > 1 {
		return fmt.Errorf("face_quality must be between 0.0 and 1.0, got %f", c.FaceQuality)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.Engines < 1 {
		return fmt.Errorf("engines must be >= 1, got %d", c.Engines)
	}
	if c.BaseOutputDir == "" {
		return fmt.Errorf("base_output_dir must not be empty")
	}
	if c.RunTimeout != "" {
		d, err := time.ParseDuration(c.RunTimeout)
		if err != nil {
			return fmt.Errorf("invalid run_timeout format (use '90s', '2m'): %w", err)
		}
		if d < 0 {
			return fmt.Errorf("run_timeout must not be negative, got %s", c.RunTimeout)
		}
	}
	return nil
}
