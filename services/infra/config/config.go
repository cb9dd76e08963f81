// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the infracache YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(storeStructLevel, StoreConfig{})
}

// Config is the root of the YAML file.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects the canonical store.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=badger postgres sqlite"`

	// Path is the badger data directory.
	Path string `yaml:"path,omitempty"`

	// InMemory runs badger without persistence.
	InMemory bool `yaml:"in_memory,omitempty"`

	// DSN is the gorm connection string for postgres and sqlite.
	DSN string `yaml:"dsn,omitempty"`

	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	SQLLogLevel  string        `yaml:"sql_log_level" validate:"omitempty,oneof=silent error warn info"`
	GCInterval   time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// CacheConfig bounds the dependency cache registry.
type CacheConfig struct {
	// MaxEntries is the number of infra caches kept in memory. Zero means
	// unbounded.
	MaxEntries int `yaml:"max_entries" validate:"gte=0"`
}

// RefreshConfig drives the refresh orchestrator.
type RefreshConfig struct {
	// Interval between background refreshes of stale infras when serving.
	// Zero disables the background runner.
	Interval    time.Duration `yaml:"interval" validate:"gte=0"`
	Parallelism int           `yaml:"parallelism" validate:"gte=0"`
}

// ServerConfig configures infractl serve.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig configures pkg/telemetry.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"omitempty,oneof=none otlp stdout"`
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=none prometheus stdout"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns a configuration for a local badger store under
// ~/.infracache.
func DefaultConfig() Config {
	dataDir := ".infracache"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".infracache")
	}
	return Config{
		Store: StoreConfig{
			Backend:      BackendBadger,
			Path:         filepath.Join(dataDir, "data"),
			MaxOpenConns: 10,
			SQLLogLevel:  "warn",
			GCInterval:   10 * time.Minute,
		},
		Cache: CacheConfig{MaxEntries: 16},
		Refresh: RefreshConfig{
			Interval:    time.Minute,
			Parallelism: 4,
		},
		Server:  ServerConfig{Addr: "127.0.0.1:8090"},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
		},
	}
}

// Validate checks the struct tags and the backend specific fields.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

func storeStructLevel(sl validator.StructLevel) {
	s := sl.Current().Interface().(StoreConfig)
	switch s.Backend {
	case BackendBadger:
		if s.Path == "" && !s.InMemory {
			sl.ReportError(s.Path, "Path", "path", "required_for_badger", "")
		}
	case BackendPostgres, BackendSQLite:
		if s.DSN == "" {
			sl.ReportError(s.DSN, "DSN", "dsn", "required_for_sql", "")
		}
	}
}

// Load reads the file at path over DefaultConfig and validates the result.
// Keys absent from the file keep their default value.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrCreate loads path, first writing DefaultConfig to it when the file
// does not exist.
func LoadOrCreate(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return Config{}, err
		}
	}
	return Load(path)
}

// WriteDefault writes DefaultConfig as YAML to path.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultPath is ~/.infracache/infracache.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".infracache", "infracache.yaml"), nil
}
