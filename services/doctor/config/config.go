// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the doctor configuration object.
//
// A Config is loaded once (file, then DOCTOR_* environment overrides, then
// validation) and threaded explicitly through every pipeline run. No package
// in the service reads settings from globals.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// configValidate is the validator instance for configuration structs.
var configValidate = validator.New()

// Config is the root configuration object.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Privacy    PrivacyConfig    `mapstructure:"privacy"`
	Plugins    PluginsConfig    `mapstructure:"plugins"`
	Patterns   PatternsConfig   `mapstructure:"patterns"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Pruner     PrunerConfig     `mapstructure:"pruner"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Outbound   OutboundConfig   `mapstructure:"outbound"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	Debug        bool          `mapstructure:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

// PrivacyConfig selects the sanitization level requested by the user. The
// outbound funnel never applies less than basic to unverified destinations.
type PrivacyConfig struct {
	Mode string `mapstructure:"mode" validate:"oneof=none basic strict"`
}

// PluginsConfig configures community plugin loading.
type PluginsConfig struct {
	EnableCommunity   bool                `mapstructure:"enable_community"`
	Allowlist         []string            `mapstructure:"allowlist" validate:"dive,required"`
	SignatureRequired bool                `mapstructure:"signature_required"`
	SignatureKey      string              `mapstructure:"signature_key"`
	Root              string              `mapstructure:"root"`
	MaxFileBytes      int64               `mapstructure:"max_file_bytes" validate:"gt=0"`
	Timeout           time.Duration       `mapstructure:"timeout" validate:"gt=0"`
	MaxOutputBytes    int64               `mapstructure:"max_output_bytes" validate:"gt=0"`
	Interpreters      map[string][]string `mapstructure:"interpreters"`
}

// PatternsConfig configures the rule store.
type PatternsConfig struct {
	RulesDir  string        `mapstructure:"rules_dir"`
	Watch     bool          `mapstructure:"watch"`
	CacheSize int           `mapstructure:"cache_size" validate:"gt=0"`
	Debounce  time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

// Limits is one token budget.
type Limits struct {
	SoftLimit int `mapstructure:"soft_limit" validate:"gt=0"`
	HardLimit int `mapstructure:"hard_limit" validate:"gtefield=SoftLimit"`
}

// BudgetConfig holds token budgets per provider class.
type BudgetConfig struct {
	Remote    Limits `mapstructure:"remote"`
	Local     Limits `mapstructure:"local"`
	Estimator string `mapstructure:"estimator" validate:"oneof=heuristic tiktoken"`
}

// PrunerConfig bounds the upstream graph walk.
type PrunerConfig struct {
	MaxDepth int `mapstructure:"max_depth" validate:"gte=0"`
	MaxNodes int `mapstructure:"max_nodes" validate:"gte=1"`
}

// ProviderConfig selects the external model.
type ProviderConfig struct {
	Kind    string        `mapstructure:"kind" validate:"oneof=openai ollama"`
	Class   string        `mapstructure:"class" validate:"oneof=remote local"`
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Model   string        `mapstructure:"model" validate:"required"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// OutboundConfig configures the outbound funnel.
type OutboundConfig struct {
	TrustedLocalEndpoints []string      `mapstructure:"trusted_local_endpoints" validate:"dive,hostname_port"`
	DeniedPorts           []int         `mapstructure:"denied_ports" validate:"dive,gte=1,lte=65535"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
}

// RateConfig is one token bucket.
type RateConfig struct {
	PerSecond float64 `mapstructure:"per_second" validate:"gt=0"`
	Burst     int     `mapstructure:"burst" validate:"gte=1"`
}

// RetryConfig configures RetryingClient backoff.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor" validate:"gte=1"`
	JitterFactor   float64       `mapstructure:"jitter_factor" validate:"gte=0,lte=1"`
	MaxRetryAfter  time.Duration `mapstructure:"max_retry_after" validate:"gte=0"`
}

// ResilienceConfig configures rate, concurrency and retry limits.
type ResilienceConfig struct {
	Core          RateConfig  `mapstructure:"core"`
	Light         RateConfig  `mapstructure:"light"`
	MaxConcurrent int64       `mapstructure:"max_concurrent" validate:"gte=1"`
	Retry         RetryConfig `mapstructure:"retry"`
}

// ArchiveConfig configures the outcome archive.
type ArchiveConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Path     string        `mapstructure:"path"`
	InMemory bool          `mapstructure:"in_memory"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON   bool   `mapstructure:"json"`
	LogDir string `mapstructure:"log_dir"`
}

// TelemetryConfig configures tracing and metrics exporters.
type TelemetryConfig struct {
	TraceExporter  string `mapstructure:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `mapstructure:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool   `mapstructure:"otlp_insecure"`
	Environment    string `mapstructure:"environment"`
}

// Default returns a configuration that is safe out of the box: community
// plugins disabled, basic privacy, a local model provider.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8765",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Privacy: PrivacyConfig{Mode: "basic"},
		Plugins: PluginsConfig{
			EnableCommunity: false,
			Root:            "plugins",
			MaxFileBytes:    512 * 1024,
			Timeout:         5 * time.Second,
			MaxOutputBytes:  64 * 1024,
			Interpreters: map[string][]string{
				".py": {"python3"},
				".sh": {"/bin/sh"},
			},
		},
		Patterns: PatternsConfig{
			CacheSize: 1024,
			Debounce:  250 * time.Millisecond,
		},
		Budget: BudgetConfig{
			Remote:    Limits{SoftLimit: 12000, HardLimit: 16000},
			Local:     Limits{SoftLimit: 3000, HardLimit: 4000},
			Estimator: "heuristic",
		},
		Pruner: PrunerConfig{MaxDepth: 3, MaxNodes: 40},
		Provider: ProviderConfig{
			Kind:    "ollama",
			Class:   "local",
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
			Timeout: 2 * time.Minute,
		},
		Outbound: OutboundConfig{
			TrustedLocalEndpoints: []string{"localhost:11434", "127.0.0.1:11434"},
			DeniedPorts:           []int{22, 23, 25, 2375, 2379, 3306, 5432, 6379, 11211, 27017},
			DialTimeout:           10 * time.Second,
		},
		Resilience: ResilienceConfig{
			Core:          RateConfig{PerSecond: 0.5, Burst: 3},
			Light:         RateConfig{PerSecond: 5, Burst: 10},
			MaxConcurrent: 2,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
				BackoffFactor:  2.0,
				JitterFactor:   0.2,
				MaxRetryAfter:  time.Minute,
			},
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "~/.aleutian/doctor/archive",
			TTL:     30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
			Environment:    "development",
		},
	}
}

// Validate runs struct tag validation and cross-field checks.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Plugins.EnableCommunity && c.Plugins.Root == "" {
		return fmt.Errorf("%w: plugins.root is required when community plugins are enabled", ErrInvalidConfig)
	}
	if c.Plugins.SignatureRequired && c.Plugins.SignatureKey == "" {
		return fmt.Errorf("%w: plugins.signature_key is required when signatures are required", ErrInvalidConfig)
	}
	if c.Archive.Enabled && !c.Archive.InMemory && c.Archive.Path == "" {
		return fmt.Errorf("%w: archive.path is required unless archive.in_memory is set", ErrInvalidConfig)
	}
	return nil
}

// LimitsFor returns the token budget for a provider class. Unknown classes
// get the tighter local budget.
func (c *Config) LimitsFor(class string) Limits {
	if class == "remote" {
		return c.Budget.Remote
	}
	return c.Budget.Local
}
