// Copyright (C) 2025 ephemera-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Editions gate the enterprise-only surface.
const (
	EditionCommunity  = "community"
	EditionEnterprise = "enterprise"
)

// Config represents the main configuration structure
type Config struct {
	Environment string         `yaml:"environment" json:"environment"`
	Server      *ServerConfig  `yaml:"server" json:"server"`
	Storage     *StorageConfig `yaml:"storage" json:"storage"`
	Edition     *EditionConfig `yaml:"edition" json:"edition"`
	Logging     *LoggingConfig `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig `yaml:"metrics" json:"metrics"`
	Sweep       *SweepConfig   `yaml:"sweep" json:"sweep"`
}

// ServerConfig represents the HTTP listener configuration
type ServerConfig struct {
	Host           string           `yaml:"host" json:"host"`
	Port           int              `yaml:"port" json:"port"`
	AllowedOrigins []string         `yaml:"allowed_origins" json:"allowed_origins"`
	MaxBodyBytes   int64            `yaml:"max_body_bytes" json:"max_body_bytes"`
	RateLimit      *RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig represents per-client rate limiting
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	RPS     float64 `yaml:"rps" json:"rps"`
	Burst   int     `yaml:"burst" json:"burst"`
}

// StorageConfig selects the persistence backend. A configured Postgres
// URL wins over a SQLite path; with neither, state stays in process.
type StorageConfig struct {
	PostgresURL string `yaml:"postgres_url" json:"postgres_url"`
	SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path"`
}

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Backend returns the backend selected by credential presence.
func (s *StorageConfig) Backend() string {
	switch {
	case s != nil && s.PostgresURL != "":
		return BackendPostgres
	case s != nil && s.SQLitePath != "":
		return BackendSQLite
	default:
		return BackendMemory
	}
}

// EditionConfig represents edition gating and enterprise auth
type EditionConfig struct {
	Name      string `yaml:"name" json:"name"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
}

// IsEnterprise reports whether the enterprise surface is enabled.
func (e *EditionConfig) IsEnterprise() bool {
	return e != nil && strings.EqualFold(e.Name, EditionEnterprise)
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// SweepConfig represents garbage collection cadence
type SweepConfig struct {
	Interval time.Duration `yaml:"-" json:"-"`
}

// UnmarshalYAML accepts durations in the "5s" / "1m30s" form.
func (s *SweepConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval string `yaml:"interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return s.setInterval(raw.Interval)
}

// UnmarshalJSON accepts durations in the "5s" / "1m30s" form.
func (s *SweepConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Interval string `json:"interval"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return s.setInterval(raw.Interval)
}

func (s *SweepConfig) setInterval(raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid sweep interval %q: %w", raw, err)
	}
	s.Interval = d
	return nil
}

// LoadFromFile loads configuration from a file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	// Try to parse as YAML first
	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Try JSON if YAML fails
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	// Defaults first: they seed ${VAR:default} placeholders that the
	// substitution pass resolves.
	setDefaults(cfg)
	SubstituteEnvVarsInConfig(cfg)

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	SubstituteEnvVarsInConfig(cfg)
	return cfg
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 128 * 1024
	}
	if cfg.Server.RateLimit == nil {
		cfg.Server.RateLimit = &RateLimitConfig{Enabled: true, RPS: 10, Burst: 30}
	}
	if cfg.Server.RateLimit.RPS == 0 {
		cfg.Server.RateLimit.RPS = 10
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 30
	}

	if cfg.Storage == nil {
		cfg.Storage = &StorageConfig{
			PostgresURL: "${EPHEMERA_DATABASE_URL:}",
			SQLitePath:  "${EPHEMERA_SQLITE_PATH:}",
		}
	}

	if cfg.Edition == nil {
		cfg.Edition = &EditionConfig{
			Name:      "${EPHEMERA_EDITION:community}",
			JWTSecret: "${EPHEMERA_JWT_SECRET:}",
		}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{Level: "info", Format: "json"}
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{Enabled: true, Path: "/metrics"}
	}

	if cfg.Sweep == nil {
		cfg.Sweep = &SweepConfig{}
	}
	if cfg.Sweep.Interval == 0 {
		cfg.Sweep.Interval = 5 * time.Second
	}
}
