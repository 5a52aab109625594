package app

import (
	"errors"
	"fmt"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPath string // hcl file or directory
	// Model selects one plan by name; empty runs every plan.
	Model    string
	Requests int

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	NotifyPort      int
	// DeviceMemory is the simulated device capacity in bytes; zero keeps
	// the default.
	DeviceMemory int64
}

// NewConfig validates cfg.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	if cfg.Requests < 0 {
		return nil, fmt.Errorf("requests must not be negative, got %d", cfg.Requests)
	}
	if cfg.DeviceMemory < 0 {
		return nil, fmt.Errorf("device memory must not be negative, got %d", cfg.DeviceMemory)
	}
	return &cfg, nil
}
