// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Plugins.EnableCommunity)
	assert.Equal(t, "basic", cfg.Privacy.Mode)
	assert.Equal(t, 3, cfg.Pruner.MaxDepth)
	assert.Equal(t, 40, cfg.Pruner.MaxNodes)
}

func TestValidate_Failures(t *testing.T) {
	tests := map[string]func(c *Config){
		"soft above hard":           func(c *Config) { c.Budget.Remote.SoftLimit = c.Budget.Remote.HardLimit + 1 },
		"unknown privacy mode":      func(c *Config) { c.Privacy.Mode = "paranoid" },
		"signature without key":     func(c *Config) { c.Plugins.SignatureRequired = true },
		"zero max nodes":            func(c *Config) { c.Pruner.MaxNodes = 0 },
		"bad provider url":          func(c *Config) { c.Provider.BaseURL = "not a url" },
		"bad trusted endpoint":      func(c *Config) { c.Outbound.TrustedLocalEndpoints = []string{"no-port"} },
		"jitter above one":          func(c *Config) { c.Resilience.Retry.JitterFactor = 1.5 },
		"max backoff below initial": func(c *Config) { c.Resilience.Retry.MaxBackoff = time.Millisecond },
		"archive without path":      func(c *Config) { c.Archive.Path = "" },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLimitsFor(t *testing.T) {
	cfg := Default()

	assert.Equal(t, cfg.Budget.Remote, cfg.LimitsFor("remote"))
	assert.Equal(t, cfg.Budget.Local, cfg.LimitsFor("local"))
	assert.Equal(t, cfg.Budget.Local, cfg.LimitsFor("unknown"))
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doctor.yaml")
	yaml := `
privacy:
  mode: strict
plugins:
  enable_community: true
  root: /opt/plugins
  allowlist: [gpu_hints, vram_advisor]
budget:
  remote:
    soft_limit: 1000
    hard_limit: 2000
resilience:
  retry:
    initial_backoff: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("DOCTOR_PRUNER_MAX_NODES", "12")
	t.Setenv("DOCTOR_PROVIDER_MODEL", "qwen2.5")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "strict", cfg.Privacy.Mode)
	assert.True(t, cfg.Plugins.EnableCommunity)
	assert.Equal(t, []string{"gpu_hints", "vram_advisor"}, cfg.Plugins.Allowlist)
	assert.Equal(t, 1000, cfg.Budget.Remote.SoftLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Resilience.Retry.InitialBackoff)
	assert.Equal(t, 12, cfg.Pruner.MaxNodes)
	assert.Equal(t, "qwen2.5", cfg.Provider.Model)
	assert.Equal(t, Default().Budget.Local, cfg.Budget.Local)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doctor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("privacy:\n  mode: loud\n"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
