// Package config provides configuration loading and management for
// ctrecon. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"ctrecon/pkg/device"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/tomo"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Device roster parameters
	Devices struct {
		// Kind selects "cpu" or "gpu" execution
		Kind string `yaml:"kind"`

		// Indices lists the GPU indices to dispatch across; ignored
		// for cpu execution
		Indices []int `yaml:"indices"`

		// MemoryGB is the per-device staging budget in GiB; zero uses
		// the built-in default
		MemoryGB float64 `yaml:"memoryGB"`
	} `yaml:"devices"`

	// Reconstruction parameters
	Reconstruction struct {
		// RampID selects the ramp filter sharpness for FBP
		RampID int `yaml:"rampID"`

		// RFOV restricts reconstruction to a cylindrical field of
		// view of this radius in mm; zero means unbounded
		RFOV float64 `yaml:"rfov"`

		// DimensionOrder is the volume memory layout, "xyz" or "zyx"
		DimensionOrder string `yaml:"dimensionOrder"`

		// VolumeScale is the sampling factor passed to the default
		// volume derivation
		VolumeScale float64 `yaml:"volumeScale"`
	} `yaml:"reconstruction"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Devices.Kind = "cpu"
	cfg.Devices.MemoryGB = 0

	cfg.Reconstruction.RampID = 2
	cfg.Reconstruction.RFOV = 0
	cfg.Reconstruction.DimensionOrder = "xyz"
	cfg.Reconstruction.VolumeScale = 1.0

	cfg.Output.Verbose = true

	return cfg
}

// Roster builds the device roster described by the configuration.
func (cfg *Config) Roster() (device.Roster, error) {
	mem := uint64(cfg.Devices.MemoryGB * (1 << 30))
	switch cfg.Devices.Kind {
	case "", "cpu":
		devs, err := device.ActiveBackend().Devices()
		if err != nil || len(devs) == 0 {
			return device.Roster{}, fmt.Errorf("no host device available: %v", err)
		}
		d := devs[0]
		if mem > 0 {
			d.Memory = mem
		}
		return device.NewRoster(d), nil
	case "gpu":
		indices := cfg.Devices.Indices
		if len(indices) == 0 {
			indices = []int{0}
		}
		if mem == 0 {
			mem = 8 << 30
		}
		devs := make([]device.Descriptor, len(indices))
		for i, idx := range indices {
			if idx < 0 {
				return device.Roster{}, fmt.Errorf("negative device index %d", idx)
			}
			devs[i] = device.Descriptor{Kind: device.GPU, Index: idx, Memory: mem}
		}
		return device.NewRoster(devs...), nil
	}
	return device.Roster{}, fmt.Errorf("unknown device kind %q", cfg.Devices.Kind)
}

// dimensionOrder parses the configured volume layout name.
func (cfg *Config) dimensionOrder() (geometry.DimensionOrder, error) {
	switch cfg.Reconstruction.DimensionOrder {
	case "", "xyz":
		return geometry.OrderXYZ, nil
	case "zyx":
		return geometry.OrderZYX, nil
	}
	return 0, fmt.Errorf("unknown dimension order %q", cfg.Reconstruction.DimensionOrder)
}

// Apply transfers the configured device roster and reconstruction
// settings onto a session.
func (cfg *Config) Apply(s *tomo.Session) error {
	roster, err := cfg.Roster()
	if err != nil {
		return err
	}
	if err := s.SetRoster(roster); err != nil {
		return err
	}
	order, err := cfg.dimensionOrder()
	if err != nil {
		return err
	}
	if err := s.SetVolumeDimensionOrder(order); err != nil {
		return err
	}
	if err := s.SetRampID(cfg.Reconstruction.RampID); err != nil {
		return err
	}
	return s.SetRFOV(cfg.Reconstruction.RFOV)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
