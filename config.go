// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsruntime

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is a package-level singleton; validators cache struct metadata.
var validate = validator.New()

// Config is the declarative form of runtime and executor settings, e.g.
//
//	moduleId: workflow.js
//	executeTimeout: 30s
//	pool:
//	  minSize: 2
//	  maxSize: 8
//	  workerTTL: 5m
type Config struct {
	ModuleID       string        `yaml:"moduleId"`
	ExecuteTimeout time.Duration `yaml:"executeTimeout" validate:"gte=0"`
	Pool           PoolConfig    `yaml:"pool"`
}

// PoolConfig holds executor pool settings. Zero values keep the executor defaults.
type PoolConfig struct {
	MinSize         uint32        `yaml:"minSize"`
	MaxSize         uint32        `yaml:"maxSize" validate:"omitempty,gtefield=MinSize"`
	QueueSize       uint32        `yaml:"queueSize"`
	WorkerTTL       time.Duration `yaml:"workerTTL" validate:"gte=0"`
	MaxExecutions   uint32        `yaml:"maxExecutions"`
	EnqueueTimeout  time.Duration `yaml:"enqueueTimeout" validate:"gte=0"`
	SelectThreshold float64       `yaml:"selectThreshold" validate:"gte=0,lte=1"`
}

// ParseConfig decodes and validates a YAML configuration document.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// Validate checks the configuration's struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// RuntimeOptions converts the configuration into runtime options.
func (c *Config) RuntimeOptions() []RuntimeOption {
	return []RuntimeOption{
		WithModuleID(c.ModuleID),
		WithExecuteTimeout(c.ExecuteTimeout),
	}
}

// WithConfig applies the runtime settings of cfg. Zero fields keep defaults.
func WithConfig(cfg *Config) RuntimeOption {
	return func(r *Runtime) {
		if cfg == nil {
			return
		}
		for _, opt := range cfg.RuntimeOptions() {
			opt(r)
		}
	}
}
