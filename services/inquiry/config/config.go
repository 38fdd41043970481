// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the inquiry service configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize caps config reads to prevent resource exhaustion
// from a mis-pointed path.
const MaxConfigFileSize = 1024 * 1024

// Config holds every tunable of the inquiry service.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir is the badger data directory.
	DataDir string `yaml:"data_dir"`

	// MaxActiveSessions caps concurrently live sessions.
	MaxActiveSessions int `yaml:"max_active_sessions"`

	// IdleTimeout is how long a COMPLETED session may idle before it
	// is persisted and evicted.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// FeedCapacity is the per-subscriber feed buffer size.
	FeedCapacity int `yaml:"feed_capacity"`

	// MaxRecordSize is the storage per-record byte ceiling.
	MaxRecordSize int `yaml:"max_record_size"`

	// HeartbeatInterval is the stream keepalive period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogDir is where log files go; empty means stderr only.
	LogDir string `yaml:"log_dir"`

	// OTLPEndpoint is the OTLP gRPC collector address; empty falls back
	// to the default collector.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		ListenAddr:        ":8090",
		DataDir:           "./data/inquiry",
		MaxActiveSessions: 25,
		IdleTimeout:       10 * time.Minute,
		FeedCapacity:      256,
		MaxRecordSize:     64 * 1024,
		HeartbeatInterval: 15 * time.Second,
		LogLevel:          "info",
	}
}

// Load reads configuration: defaults, then the YAML file at path (if
// any), then environment overrides.
//
// Inputs:
//
//	path - YAML file path. Empty skips the file layer; a missing file
//	       at a non-empty path is an error.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Non-nil on read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileSize+1))
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if len(data) > MaxConfigFileSize {
		return fmt.Errorf("config %q exceeds %d bytes", path, MaxConfigFileSize)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from INQUIRY_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("INQUIRY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("INQUIRY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("INQUIRY_MAX_ACTIVE_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxActiveSessions = n
		}
	}
	if v := os.Getenv("INQUIRY_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleTimeout = d
		}
	}
	if v := os.Getenv("INQUIRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INQUIRY_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
}

// Validate checks the configuration for nonsense values.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr required")
	}
	if c.MaxActiveSessions <= 0 {
		return fmt.Errorf("config: max_active_sessions must be positive, got %d", c.MaxActiveSessions)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("config: idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.FeedCapacity <= 0 {
		return fmt.Errorf("config: feed_capacity must be positive, got %d", c.FeedCapacity)
	}
	if c.MaxRecordSize < 1024 {
		return fmt.Errorf("config: max_record_size must be at least 1024, got %d", c.MaxRecordSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
