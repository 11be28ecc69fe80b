// Package config provides configuration loading and management for dcemri.
// Configuration is read from YAML or TOML files, overridden by DCEMRI_*
// environment variables, and falls back to defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"dcemri/pkg/aif"
)

// EnvPrefix is the prefix of environment overrides, e.g. DCEMRI_AIF_METHOD
const EnvPrefix = "DCEMRI"

// DefaultPath is where the CLI looks for a configuration file
const DefaultPath = "~/.dcemri/config.yaml"

// AIF estimation methods
const (
	AIFDeterministic = "deterministic"
	AIFPopulation    = "population"
	AIFFile          = "file"
)

// Concentration conversion modes
const (
	ModeRelative = "rel"
	ModeAbsolute = "abs"
	ModeSPGR     = "spgr"
)

// Config represents the application configuration
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the number of goroutines used for voxelwise fitting
		Workers int `yaml:"workers" toml:"workers"`

		// FrameLimit truncates the series to its first frames (0 keeps all)
		FrameLimit int `yaml:"frameLimit" toml:"frameLimit"`

		// MinSlices drops DICOM frames with fewer slices
		MinSlices int `yaml:"minSlices" toml:"minSlices"`

		// TemporalResolution is the frame interval in seconds used when the
		// DICOM headers carry no acquisition time
		TemporalResolution float64 `yaml:"temporalResolution" toml:"temporalResolution"`

		// Denoise smooths every frame with an edge-preserving filter before
		// the concentration conversion
		Denoise bool `yaml:"denoise" toml:"denoise"`

		// EdgeThreshold is the normalised edge strength kept sharp by the filter
		EdgeThreshold float64 `yaml:"edgeThreshold" toml:"edgeThreshold"`
	} `yaml:"processing" toml:"processing"`

	// Signal to concentration conversion
	Concentration struct {
		// Mode is rel, abs or spgr
		Mode string `yaml:"mode" toml:"mode"`

		// Baseline is the number of pre-contrast frames
		Baseline int `yaml:"baseline" toml:"baseline"`

		// Scale multiplies rel and abs enhancement
		Scale float64 `yaml:"scale" toml:"scale"`

		// Hematocrit converts the blood AIF to plasma
		Hematocrit float64 `yaml:"hematocrit" toml:"hematocrit"`

		// T10 (ms) and Relaxivity (1/(mM*s)) are used by spgr
		T10        float64 `yaml:"t10" toml:"t10"`
		Relaxivity float64 `yaml:"relaxivity" toml:"relaxivity"`
	} `yaml:"concentration" toml:"concentration"`

	// Arterial input function
	AIF struct {
		// Method is deterministic, population or file
		Method string `yaml:"method" toml:"method"`

		// File is the CSV curve used by the file method
		File string `yaml:"file" toml:"file"`

		// PopulationScale and PopulationDelay (s) shape the population AIF
		PopulationScale float64 `yaml:"populationScale" toml:"populationScale"`
		PopulationDelay float64 `yaml:"populationDelay" toml:"populationDelay"`

		aif.Config `yaml:",inline"`
	} `yaml:"aif" toml:"aif"`

	// Extended Tofts fitting
	Kinetics struct {
		MaxIterations int     `yaml:"maxIterations" toml:"maxIterations"`
		KtransMax     float64 `yaml:"ktransMax" toml:"ktransMax"`

		// Voxelwise enables the per-voxel fit; the region fit always runs
		Voxelwise bool `yaml:"voxelwise" toml:"voxelwise"`
	} `yaml:"kinetics" toml:"kinetics"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults writes the AIF masks of each refinement step
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults" toml:"saveIntermediaryResults"`

		// Plots writes the AIF and tissue curve figure
		Plots bool `yaml:"plots" toml:"plots"`

		// Maps writes the parameter map slices
		Maps bool `yaml:"maps" toml:"maps"`

		// MetricsFile is a node-exporter textfile written after each run
		MetricsFile string `yaml:"metricsFile" toml:"metricsFile"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"output" toml:"output"`

	// Run persistence
	Store struct {
		Enabled bool   `yaml:"enabled" toml:"enabled"`
		Path    string `yaml:"path" toml:"path"`
	} `yaml:"store" toml:"store"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.TemporalResolution = 0
	cfg.Processing.EdgeThreshold = 0.3

	cfg.Concentration.Mode = ModeAbsolute
	cfg.Concentration.Baseline = 5
	cfg.Concentration.Scale = 1
	cfg.Concentration.Hematocrit = 0.42
	cfg.Concentration.T10 = 1400
	cfg.Concentration.Relaxivity = 4.5

	cfg.AIF.Method = AIFDeterministic
	cfg.AIF.PopulationScale = 1
	cfg.AIF.Config = aif.DefaultConfig()

	cfg.Kinetics.MaxIterations = 100
	cfg.Kinetics.KtransMax = 5
	cfg.Kinetics.Voxelwise = true

	cfg.Output.Plots = true
	cfg.Output.Maps = true

	cfg.Store.Enabled = true
	cfg.Store.Path = "~/.dcemri/runs.db"

	return cfg
}

// Validate checks the configuration ranges
func (c *Config) Validate() error {
	if c.Processing.Workers < 0 {
		return fmt.Errorf("processing.workers must not be negative")
	}
	if c.Processing.FrameLimit < 0 || c.Processing.MinSlices < 0 || c.Processing.TemporalResolution < 0 {
		return fmt.Errorf("processing limits must not be negative")
	}
	if c.Processing.Denoise && (c.Processing.EdgeThreshold <= 0 || c.Processing.EdgeThreshold >= 1) {
		return fmt.Errorf("processing.edgeThreshold %.2f out of range (0, 1)", c.Processing.EdgeThreshold)
	}

	switch c.Concentration.Mode {
	case ModeRelative, ModeAbsolute:
		if c.Concentration.Scale <= 0 {
			return fmt.Errorf("concentration.scale must be positive")
		}
	case ModeSPGR:
		if c.Concentration.T10 <= 0 || c.Concentration.Relaxivity <= 0 {
			return fmt.Errorf("concentration.t10 and concentration.relaxivity must be positive for spgr")
		}
	default:
		return fmt.Errorf("unknown concentration.mode %q (must be rel, abs or spgr)", c.Concentration.Mode)
	}
	if c.Concentration.Baseline < 1 {
		return fmt.Errorf("concentration.baseline must be at least 1")
	}
	if c.Concentration.Hematocrit < 0 || c.Concentration.Hematocrit >= 1 {
		return fmt.Errorf("concentration.hematocrit %.2f out of range [0, 1)", c.Concentration.Hematocrit)
	}

	switch c.AIF.Method {
	case AIFDeterministic:
		if err := c.AIF.Config.Validate(); err != nil {
			return fmt.Errorf("aif: %w", err)
		}
	case AIFPopulation:
		if c.AIF.PopulationScale <= 0 {
			return fmt.Errorf("aif.populationScale must be positive")
		}
	case AIFFile:
		if c.AIF.File == "" {
			return fmt.Errorf("aif.file is required for the file method")
		}
	default:
		return fmt.Errorf("unknown aif.method %q (must be deterministic, population or file)", c.AIF.Method)
	}

	if c.Kinetics.MaxIterations < 1 {
		return fmt.Errorf("kinetics.maxIterations must be positive")
	}
	if c.Kinetics.KtransMax <= 0 {
		return fmt.Errorf("kinetics.ktransMax must be positive")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store.path is required when the store is enabled")
	}
	return nil
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by
// extension, then applies environment overrides.
// If the file doesn't exist, the defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	path, err := homedir.Expand(configPath)
	if err != nil {
		return nil, fmt.Errorf("error expanding config path: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("error reading config file: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("processing env var overrides: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration in the format given by the extension
func SaveConfig(cfg *Config, configPath string) error {
	path, err := homedir.Expand(configPath)
	if err != nil {
		return fmt.Errorf("error expanding config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// YAML renders the configuration as recorded with each stored run
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		_, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func encode(path string, cfg *Config) ([]byte, error) {
	if isTOML(path) {
		buf := new(bytes.Buffer)
		if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return yaml.Marshal(cfg)
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.AIF.File, &c.Output.MetricsFile, &c.Store.Path} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("error expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}
