// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

// Package config loads application configuration and tenant/entity
// configuration documents.
//
// Application configuration follows the layered Koanf v2 order: built-in
// defaults, then an optional YAML file, then environment variables with the
// SB_ prefix (SB_SERVER_PORT=8080 overrides server.port).
//
// Tenant and entity configuration are human-editable YAML documents under
// the configured tenants directory, one subdirectory per tenant:
//
//	<dir>/<tenantId>/tenant.yaml
//	<dir>/<tenantId>/<entityType>.yaml
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the application config file is searched,
// in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/schoolbridge/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Environment maps a named deployment environment to a downstream base URL.
type Environment struct {
	ID          string `koanf:"id"`
	DisplayName string `koanf:"displayName"`
	BaseURL     string `koanf:"baseUrl"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// MetadataConfig locates the metadata database holding run logs. An empty
// DSN selects the in-memory store.
type MetadataConfig struct {
	DSN string `koanf:"dsn"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	// URL is the NATS server address; ignored when Embedded is true.
	URL string `koanf:"url"`

	// Embedded starts an in-process NATS JetStream server.
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"storeDir"`

	// Env suffixes the queue topic so environments never share jobs.
	Env string `koanf:"env"`

	// Workers is the consumer pool size; each worker executes one run at
	// a time, pages strictly in order.
	Workers int `koanf:"workers"`

	// Attempts and BackoffInitial define the at-least-once retry policy.
	Attempts       int           `koanf:"attempts"`
	BackoffInitial time.Duration `koanf:"backoffInitial"`

	// AckWait is the per-job visibility window; it must cover a full run
	// so a slow page cannot cause duplicate concurrent execution.
	AckWait time.Duration `koanf:"ackWait"`

	// Retention bounds for completed/failed jobs in the stream.
	CompletedMaxAge time.Duration `koanf:"completedMaxAge"`
	FailedMaxAge    time.Duration `koanf:"failedMaxAge"`
}

// WriterConfig configures the downstream write service client.
type WriterConfig struct {
	ClientSecret string `koanf:"clientSecret"`
	AuthToken    string `koanf:"authToken"`

	// Concurrency bounds in-flight batch calls per run.
	Concurrency int `koanf:"concurrency"`
}

// Config is the root application configuration.
type Config struct {
	Server       ServerConfig   `koanf:"server"`
	Logging      LoggingConfig  `koanf:"logging"`
	Metadata     MetadataConfig `koanf:"metadata"`
	Queue        QueueConfig    `koanf:"queue"`
	Writer       WriterConfig   `koanf:"writer"`
	TenantsDir   string         `koanf:"tenantsDir"`
	Environments []Environment  `koanf:"environments"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    3860,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			URL:             "nats://127.0.0.1:4222",
			Embedded:        true,
			StoreDir:        "/data/schoolbridge/jetstream",
			Env:             "dev",
			Workers:         2,
			Attempts:        3,
			BackoffInitial:  5 * time.Second,
			AckWait:         60 * time.Second,
			CompletedMaxAge: time.Hour,
			FailedMaxAge:    24 * time.Hour,
		},
		Writer: WriterConfig{
			Concurrency: 5,
		},
		TenantsDir: "config/tenants",
		Environments: []Environment{
			{ID: "default", DisplayName: "Default", BaseURL: "http://user-service:8080"},
		},
	}
}

// Load reads the application configuration: defaults, optional YAML file,
// then SB_* environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider("SB_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "SB_")), "_", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the engine relies on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("queue attempts must be positive, got %d", c.Queue.Attempts)
	}
	if len(c.Environments) == 0 {
		return fmt.Errorf("at least one environment must be configured")
	}
	for i, e := range c.Environments {
		if e.ID == "" || e.BaseURL == "" {
			return fmt.Errorf("environment %d is missing id or baseUrl", i)
		}
	}
	return nil
}

// ResolveEnvironment maps an environment id to its registry entry. An empty
// id resolves to the first configured environment.
func (c *Config) ResolveEnvironment(id string) (*Environment, error) {
	if id == "" {
		return &c.Environments[0], nil
	}
	for i := range c.Environments {
		if c.Environments[i].ID == id {
			return &c.Environments[i], nil
		}
	}
	return nil, fmt.Errorf("unknown environment %q", id)
}

// QueueTopic returns the environment-suffixed queue topic.
func (c *Config) QueueTopic() string {
	return "school-data-sync-" + c.Queue.Env
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
