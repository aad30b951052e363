// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugins

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
)

const suggestScript = `#!/bin/sh
echo '{"suggestion":"lower the batch size","metadata":{"source":"gpu_hints"}}'
`

const nullScript = `#!/bin/sh
echo null
`

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("plugin execution tests need /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("plugin execution tests need /bin/sh")
	}
}

func testConfig(root string, allow ...string) config.PluginsConfig {
	return config.PluginsConfig{
		EnableCommunity: true,
		Allowlist:       allow,
		Root:            root,
		MaxFileBytes:    4096,
		Timeout:         2 * time.Second,
		MaxOutputBytes:  1024,
		Interpreters:    map[string][]string{".sh": {"/bin/sh"}},
	}
}

func writePlugin(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func writeManifest(t *testing.T, path string, m *Manifest) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func signedPlugin(t *testing.T, root, name, body string, key []byte) string {
	t.Helper()
	path := writePlugin(t, root, name, body)
	m, err := BuildManifest(path, "1.0.0", key)
	require.NoError(t, err)
	writeManifest(t, filepath.Join(filepath.Dir(path), pluginID(path)+".json"), m)
	return path
}

func load(t *testing.T, cfg config.PluginsConfig) map[string]Loaded {
	t.Helper()
	e := NewEngine(cfg, nil)
	t.Cleanup(e.Close)
	loaded, err := e.Load(context.Background())
	require.NoError(t, err)
	out := make(map[string]Loaded, len(loaded))
	for _, l := range loaded {
		out[l.ID] = l
	}
	return out
}

// =============================================================================
// Trust decisions
// =============================================================================

func TestLoad_Trusted(t *testing.T) {
	root := t.TempDir()
	signedPlugin(t, root, "gpu_hints.sh", suggestScript, nil)

	got := load(t, testConfig(root, "gpu_hints"))

	require.Contains(t, got, "gpu_hints")
	assert.Equal(t, Trusted, got["gpu_hints"].Decision)
	assert.True(t, got["gpu_hints"].Executable)
	assert.NotNil(t, got["gpu_hints"].Matcher())
	assert.Equal(t, "gpu_hints", got["gpu_hints"].Manifest.ID)
}

func TestLoad_DisabledBlocksEverything(t *testing.T) {
	root := t.TempDir()
	signedPlugin(t, root, "gpu_hints.sh", suggestScript, nil)
	cfg := testConfig(root, "gpu_hints")
	cfg.EnableCommunity = false

	got := load(t, cfg)

	assert.Equal(t, Blocked, got["gpu_hints"].Decision)
	assert.Nil(t, got["gpu_hints"].Matcher())
}

func TestLoad_NotAllowlisted(t *testing.T) {
	root := t.TempDir()
	signedPlugin(t, root, "gpu_hints.sh", suggestScript, nil)

	got := load(t, testConfig(root, "something_else"))

	assert.Equal(t, Blocked, got["gpu_hints"].Decision)
	assert.Contains(t, got["gpu_hints"].Reason, "allowlist")
}

func TestLoad_TamperedPluginNeverTrusted(t *testing.T) {
	key := []byte("shared-secret")
	for _, required := range []bool{false, true} {
		root := t.TempDir()
		path := signedPlugin(t, root, "my_check.sh", suggestScript, key)
		require.NoError(t, os.WriteFile(path, []byte(suggestScript+"# extra\n"), 0o644))

		cfg := testConfig(root, "my_check")
		cfg.SignatureRequired = required
		cfg.SignatureKey = string(key)
		got := load(t, cfg)

		assert.Equal(t, Blocked, got["my_check"].Decision, "signature_required=%v", required)
		assert.Contains(t, got["my_check"].Reason, "sha256 mismatch")
		assert.False(t, got["my_check"].Executable)
	}
}

func TestLoad_Signatures(t *testing.T) {
	key := []byte("shared-secret")

	t.Run("valid", func(t *testing.T) {
		root := t.TempDir()
		signedPlugin(t, root, "p.sh", suggestScript, key)
		cfg := testConfig(root, "p")
		cfg.SignatureRequired = true
		cfg.SignatureKey = string(key)

		assert.Equal(t, Trusted, load(t, cfg)["p"].Decision)
	})

	t.Run("wrong key", func(t *testing.T) {
		root := t.TempDir()
		signedPlugin(t, root, "p.sh", suggestScript, []byte("other"))
		cfg := testConfig(root, "p")
		cfg.SignatureRequired = true
		cfg.SignatureKey = string(key)

		got := load(t, cfg)["p"]
		assert.Equal(t, Untrusted, got.Decision)
		assert.Contains(t, got.Reason, "integrity")
	})

	t.Run("missing signature", func(t *testing.T) {
		root := t.TempDir()
		signedPlugin(t, root, "p.sh", suggestScript, nil)
		cfg := testConfig(root, "p")
		cfg.SignatureRequired = true
		cfg.SignatureKey = string(key)

		assert.Equal(t, Untrusted, load(t, cfg)["p"].Decision)
	})

	t.Run("not required", func(t *testing.T) {
		root := t.TempDir()
		signedPlugin(t, root, "p.sh", suggestScript, []byte("other"))

		assert.Equal(t, Trusted, load(t, testConfig(root, "p"))["p"].Decision)
	})
}

func TestEngine_CloseWipesSignatureKey(t *testing.T) {
	key := []byte("shared-secret")
	root := t.TempDir()
	signedPlugin(t, root, "p.sh", suggestScript, key)
	cfg := testConfig(root, "p")
	cfg.SignatureRequired = true
	cfg.SignatureKey = string(key)

	e := NewEngine(cfg, nil)
	assert.Empty(t, e.cfg.SignatureKey)

	loaded, err := e.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, Trusted, loaded[0].Decision)

	e.Close()
	e.Close()
	loaded, err = e.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, Untrusted, loaded[0].Decision)
	assert.Contains(t, loaded[0].Reason, "integrity")
}

func TestLoad_Unsigned(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "bare.sh", suggestScript)

	got := load(t, testConfig(root, "bare"))["bare"]
	assert.Equal(t, Unsigned, got.Decision)
	assert.True(t, got.Executable)

	cfg := testConfig(root, "bare")
	cfg.SignatureRequired = true
	cfg.SignatureKey = "k"
	got = load(t, cfg)["bare"]
	assert.Equal(t, Unsigned, got.Decision)
	assert.False(t, got.Executable)
	assert.Nil(t, got.Matcher())
}

func TestLoad_LoneManifestFallback(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, filepath.Join("solo", "solo_check.sh"), suggestScript)
	m, err := BuildManifest(path, "1.0.0", nil)
	require.NoError(t, err)
	writeManifest(t, filepath.Join(root, "solo", "manifest.json"), m)

	got := load(t, testConfig(root, "solo_check"))
	assert.Equal(t, Trusted, got["solo_check"].Decision)

	// A second plugin in the same directory disables the fallback.
	writePlugin(t, root, filepath.Join("solo", "other.sh"), nullScript)
	got = load(t, testConfig(root, "solo_check", "other"))
	assert.Equal(t, Unsigned, got["solo_check"].Decision)
}

func TestLoad_FilesystemHardening(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	t.Run("symlink", func(t *testing.T) {
		root := t.TempDir()
		outside := writePlugin(t, t.TempDir(), "evil.sh", suggestScript)
		require.NoError(t, os.Symlink(outside, filepath.Join(root, "evil.sh")))

		got := load(t, testConfig(root, "evil"))["evil"]
		assert.Equal(t, Blocked, got.Decision)
		assert.Contains(t, got.Reason, "symlink")
	})

	t.Run("oversized", func(t *testing.T) {
		root := t.TempDir()
		body := suggestScript + string(make([]byte, 5000))
		signedPlugin(t, root, "big.sh", body, nil)

		got := load(t, testConfig(root, "big"))["big"]
		assert.Equal(t, Blocked, got.Decision)
		assert.Contains(t, got.Reason, "cap")
	})

	t.Run("within", func(t *testing.T) {
		assert.True(t, within("/plugins", "/plugins/a/b.sh"))
		assert.False(t, within("/plugins", "/etc/passwd"))
		assert.False(t, within("/plugins", "/plugins/../etc/passwd"))
		assert.True(t, within("/plugins", "/plugins/..hidden.sh"))
	})
}

func TestLoad_ManifestProblems(t *testing.T) {
	tests := map[string]func(m *Manifest){
		"other id":      func(m *Manifest) { m.ID = "impostor" },
		"newer core":    func(m *Manifest) { m.MinCoreVersion = "99.0.0" },
		"bad version":   func(m *Manifest) { m.Version = "one" },
		"bad sha":       func(m *Manifest) { m.SHA256 = "zz" },
		"bad sig alg":   func(m *Manifest) { m.Signature = "00"; m.SignatureAlg = "rsa" },
		"bad core expr": func(m *Manifest) { m.MinCoreVersion = ">=>= 1" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			path := writePlugin(t, root, "p.sh", suggestScript)
			m, err := BuildManifest(path, "1.0.0", nil)
			require.NoError(t, err)
			mutate(m)
			writeManifest(t, filepath.Join(root, "p.json"), m)

			assert.Equal(t, Untrusted, load(t, testConfig(root, "p"))["p"].Decision)
		})
	}
}

func TestLoad_MissingRootIsEmpty(t *testing.T) {
	e := NewEngine(testConfig(filepath.Join(t.TempDir(), "absent"), "x"), nil)

	loaded, err := e.Load(context.Background())

	require.NoError(t, err)
	assert.Empty(t, loaded)
	assert.Empty(t, e.Matchers())
}

func TestLoad_ReloadSwapsTable(t *testing.T) {
	root := t.TempDir()
	signedPlugin(t, root, "p.sh", suggestScript, nil)
	e := NewEngine(testConfig(root, "p"), nil)

	_, err := e.Load(context.Background())
	require.NoError(t, err)
	before := e.Table()
	require.Len(t, e.Matchers(), 1)

	require.NoError(t, os.WriteFile(filepath.Join(root, "p.sh"), []byte(nullScript), 0o644))
	_, err = e.Load(context.Background())
	require.NoError(t, err)

	assert.Empty(t, e.Matchers())
	assert.Equal(t, Trusted, before.Plugins[0].Decision, "old table is not mutated")
	assert.Equal(t, Blocked, e.Table().Plugins[0].Decision)
}

// =============================================================================
// Execution
// =============================================================================

func TestMatcher_RunsPinnedBytes(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	path := signedPlugin(t, root, "gpu_hints.sh", suggestScript, nil)
	e := NewEngine(testConfig(root, "gpu_hints"), nil)
	_, err := e.Load(context.Background())
	require.NoError(t, err)

	// Changing the file after load does not change what runs.
	require.NoError(t, os.WriteFile(path, []byte(nullScript), 0o644))

	matchers := e.Matchers()
	require.Len(t, matchers, 1)
	s, err := matchers[0].Match(context.Background(), "RuntimeError: CUDA out of memory")

	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "lower the batch size", s.Suggestion)
	assert.Equal(t, "gpu_hints", s.Metadata["source"])
	assert.Equal(t, "gpu_hints", matchers[0].ID())
}

func TestMatcher_Outputs(t *testing.T) {
	requireShell(t)

	run := func(t *testing.T, body string, cfg func(*config.PluginsConfig)) (*Suggestion, error) {
		root := t.TempDir()
		writePlugin(t, root, "p.sh", body)
		c := testConfig(root, "p")
		if cfg != nil {
			cfg(&c)
		}
		e := NewEngine(c, nil)
		_, err := e.Load(context.Background())
		require.NoError(t, err)
		require.Len(t, e.Matchers(), 1)
		return e.Matchers()[0].Match(context.Background(), "x")
	}

	t.Run("null is no opinion", func(t *testing.T) {
		s, err := run(t, nullScript, nil)
		assert.NoError(t, err)
		assert.Nil(t, s)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := run(t, "#!/bin/sh\necho not-json\n", nil)
		assert.ErrorIs(t, err, ErrPluginOutput)
	})
	t.Run("empty suggestion", func(t *testing.T) {
		_, err := run(t, "#!/bin/sh\necho '{\"suggestion\":\"\"}'\n", nil)
		assert.ErrorIs(t, err, ErrPluginOutput)
	})
	t.Run("exit status", func(t *testing.T) {
		_, err := run(t, "#!/bin/sh\necho oops >&2\nexit 3\n", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "oops")
	})
	t.Run("empty environment", func(t *testing.T) {
		s, err := run(t, "#!/bin/sh\nif [ -z \"$HOME\" ]; then echo '{\"suggestion\":\"clean\"}'; else echo null; fi\n", nil)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "clean", s.Suggestion)
	})
	t.Run("output cap", func(t *testing.T) {
		body := "#!/bin/sh\ni=0\nwhile [ $i -lt 200 ]; do echo 'xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx'; i=$((i+1)); done\n"
		_, err := run(t, body, nil)
		assert.ErrorIs(t, err, ErrPluginOutput)
	})
	t.Run("timeout", func(t *testing.T) {
		_, err := run(t, "#!/bin/sh\nwhile :; do :; done\n", func(c *config.PluginsConfig) {
			c.Timeout = 200 * time.Millisecond
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

// =============================================================================
// Manifest helpers
// =============================================================================

func TestSignAndVerify(t *testing.T) {
	data := []byte("print('hi')")
	sig := Sign(data, []byte("k"))

	assert.True(t, VerifySignature(data, []byte("k"), sig))
	assert.False(t, VerifySignature(data, []byte("other"), sig))
	assert.False(t, VerifySignature([]byte("print('bye')"), []byte("k"), sig))
	assert.False(t, VerifySignature(data, []byte("k"), "not-hex"))
	assert.Len(t, Digest(data), 64)
}

func TestParseManifest(t *testing.T) {
	good := `{"id":"p","version":"1.2.0","sha256":"` + Digest([]byte("x")) + `"}`
	m, err := ParseManifest([]byte(good))
	require.NoError(t, err)
	assert.Equal(t, "p", m.ID)
	assert.NoError(t, m.CheckCore())

	_, err = ParseManifest([]byte(`{"id":"p","version":"1.0.0","sha256":"` + Digest([]byte("x")) + `","extra":1}`))
	assert.ErrorIs(t, err, ErrInvalidManifest)

	m.MinCoreVersion = "^0.9"
	assert.ErrorIs(t, m.CheckCore(), ErrIncompatibleCore)
	m.MinCoreVersion = "~1.0"
	assert.NoError(t, m.CheckCore())
}

func TestReadCapped_HandleChecks(t *testing.T) {
	t.Run("replaced after check", func(t *testing.T) {
		dir := t.TempDir()
		path := writePlugin(t, dir, "swap.sh", suggestScript)
		checked, err := os.Lstat(path)
		require.NoError(t, err)

		other := writePlugin(t, dir, "other.sh", nullScript)
		require.NoError(t, os.Rename(other, path))

		_, err = readCapped(path, 1<<20, checked)
		assert.ErrorContains(t, err, "replaced")
	})

	t.Run("grew after check", func(t *testing.T) {
		path := writePlugin(t, t.TempDir(), "grow.sh", suggestScript)
		checked, err := os.Lstat(path)
		require.NoError(t, err)

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = f.Write(make([]byte, 4096))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = readCapped(path, 1024, checked)
		assert.ErrorContains(t, err, "cap")
	})

	t.Run("symlink swapped in", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("symlinks need privileges on windows")
		}
		dir := t.TempDir()
		path := writePlugin(t, dir, "link.sh", suggestScript)
		checked, err := os.Lstat(path)
		require.NoError(t, err)

		target := writePlugin(t, t.TempDir(), "target.sh", suggestScript)
		require.NoError(t, os.Remove(path))
		require.NoError(t, os.Symlink(target, path))

		_, err = readCapped(path, 1<<20, checked)
		assert.Error(t, err)
	})

	t.Run("unchanged", func(t *testing.T) {
		path := writePlugin(t, t.TempDir(), "ok.sh", suggestScript)
		checked, err := os.Lstat(path)
		require.NoError(t, err)

		data, err := readCapped(path, 1<<20, checked)
		require.NoError(t, err)
		assert.Equal(t, suggestScript, string(data))
	})
}
