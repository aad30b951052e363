// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/plugins"
)

const event = `{
  "traceback": "Traceback (most recent call last):\n  File \"/opt/comfy/nodes.py\", line 1206, in sample\n    return common_ksampler(model, seed, steps, cfg)\ntorch.cuda.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB\n",
  "timestamp": "2025-03-01T12:00:00Z",
  "node_context": {"node_id": "3", "node_class": "KSampler"}
}`

// writeConfig writes a config with an in-memory archive and a private
// plugin root.
func writeConfig(t *testing.T, extra string) (path, pluginRoot string) {
	t.Helper()
	dir := t.TempDir()
	pluginRoot = filepath.Join(dir, "plugins")
	require.NoError(t, os.MkdirAll(pluginRoot, 0o750))
	// plugins comes last so tests can append keys to it.
	body := fmt.Sprintf("archive:\n  in_memory: true\nlogging:\n  level: error\n%splugins:\n  root: %s\n", extra, pluginRoot)
	path = filepath.Join(dir, "doctor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, pluginRoot
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestAnalyzeCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	t.Run("stdin", func(t *testing.T) {
		out, err := run(t, event, "--config", cfgPath, "analyze", "-")
		require.NoError(t, err)

		var o pipeline.Output
		require.NoError(t, json.Unmarshal([]byte(out), &o))
		assert.True(t, o.Ready)
		require.NotEmpty(t, o.MatchedPatterns)
		assert.Equal(t, "cuda_oom", o.MatchedPatterns[0].PatternID)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "event.json")
		require.NoError(t, os.WriteFile(path, []byte(event), 0o600))
		out, err := run(t, "", "--config", cfgPath, "analyze", path)
		require.NoError(t, err)
		assert.Contains(t, out, `"ready": true`)
	})

	t.Run("invalid event", func(t *testing.T) {
		_, err := run(t, `{"timestamp":"2025-03-01T12:00:00Z"}`, "--config", cfgPath, "analyze")
		assert.Error(t, err)
	})
}

func TestPluginCommands(t *testing.T) {
	cfgPath, root := writeConfig(t, "")
	plugin := filepath.Join(root, "vram_hint.py")
	require.NoError(t, os.WriteFile(plugin, []byte("print('{}')\n"), 0o600))

	out, err := run(t, "", "--config", cfgPath, "plugin", "manifest", "--version", "1.2.0", plugin)
	require.NoError(t, err)
	assert.Contains(t, out, "vram_hint.json")

	data, err := os.ReadFile(filepath.Join(root, "vram_hint.json"))
	require.NoError(t, err)
	m, err := plugins.ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "vram_hint", m.ID)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, plugins.Digest([]byte("print('{}')\n")), m.SHA256)
	assert.Empty(t, m.Signature)

	_, err = run(t, "", "--config", cfgPath, "plugin", "manifest", "--sign", plugin)
	assert.ErrorContains(t, err, "signature_key")

	// Community plugins are off by default, so the plugin is listed but
	// blocked.
	out, err = run(t, "", "--config", cfgPath, "plugin", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "vram_hint")
	assert.Contains(t, out, string(plugins.Blocked))
}

func TestPluginManifestSigned(t *testing.T) {
	cfgPath, root := writeConfig(t, "")
	require.NoError(t, os.WriteFile(cfgPath, append(mustRead(t, cfgPath), []byte("  signature_key: s3cret\n")...), 0o600))
	plugin := filepath.Join(root, "signed.py")
	require.NoError(t, os.WriteFile(plugin, []byte("print('{}')\n"), 0o600))

	out, err := run(t, "", "--config", cfgPath, "plugin", "manifest", "--sign", "--stdout", plugin)
	require.NoError(t, err)
	m, err := plugins.ParseManifest([]byte(out))
	require.NoError(t, err)
	assert.True(t, plugins.VerifySignature([]byte("print('{}')\n"), []byte("s3cret"), m.Signature))
}

func TestPatternsCheck(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")

	out, err := run(t, "", "--config", cfgPath, "patterns", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "patterns OK")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("patterns: [\n"), 0o600))
	_, err = run(t, "", "--config", cfgPath, "patterns", "check", dir)
	assert.Error(t, err)
}

func TestBadConfig(t *testing.T) {
	cfgPath, _ := writeConfig(t, "privacy:\n  mode: paranoid\n")
	_, err := run(t, "", "--config", cfgPath, "patterns", "check")
	assert.Error(t, err)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
