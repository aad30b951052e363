// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plugins classifies community plugins and runs the trusted ones.
//
// # Description
//
// Every load recomputes a trust decision for each candidate file under the
// plugin root. The decision is derived from the allowlist, filesystem
// checks, the paired manifest's SHA-256 and, when required, an HMAC-SHA256
// signature under a shared key. The HMAC is an integrity check: it detects
// changes by anyone who does not hold the key. It is not a publisher
// identity and must not be presented as one.
//
// Executable plugins run out of process. The bytes hashed at load time are
// kept in memory and are the only bytes ever executed.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
)

// Decision is a plugin's trust classification.
type Decision string

const (
	Trusted   Decision = "trusted"
	Unsigned  Decision = "unsigned"
	Untrusted Decision = "untrusted"
	Blocked   Decision = "blocked"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "doctor_plugin_decisions_total",
	Help: "Plugin trust decisions by outcome.",
}, []string{"decision"})

// Loaded is the result of evaluating one plugin file.
type Loaded struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Decision   Decision  `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	Manifest   *Manifest `json:"manifest,omitempty"`
	Executable bool      `json:"executable"`

	matcher Matcher
}

// Matcher returns the execution capability, or nil when the plugin may not
// run.
func (l Loaded) Matcher() Matcher {
	return l.matcher
}

// Table is one immutable set of trust decisions.
type Table struct {
	LoadedAt time.Time `json:"loaded_at"`
	Plugins  []Loaded  `json:"plugins"`
}

// Engine evaluates and serves plugin trust decisions.
//
// Thread Safety:
//
//	Load swaps the table atomically. Table and Matchers never block.
type Engine struct {
	cfg    config.PluginsConfig
	key    *signingKey
	logger *slog.Logger
	table  atomic.Pointer[Table]
}

// NewEngine creates an engine with an empty table. Call Load to populate it
// and Close to wipe the signature key.
func NewEngine(cfg config.PluginsConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	key := newSigningKey(cfg.SignatureKey)
	cfg.SignatureKey = ""
	e := &Engine{cfg: cfg, key: key, logger: logger.With(slog.String("component", "plugins"))}
	e.table.Store(&Table{})
	return e
}

// Close wipes the signature key. Later loads treat every signature as a
// mismatch.
func (e *Engine) Close() {
	e.key.destroy()
}

// Table returns the current decisions.
func (e *Engine) Table() *Table {
	return e.table.Load()
}

// Matchers returns the executable plugins of the current table in load
// order.
func (e *Engine) Matchers() []Matcher {
	t := e.table.Load()
	out := make([]Matcher, 0, len(t.Plugins))
	for _, p := range t.Plugins {
		if p.matcher != nil {
			out = append(out, p.matcher)
		}
	}
	return out
}

// Load evaluates every candidate under the plugin root and replaces the
// table wholesale.
//
// # Description
//
// A candidate is a file whose extension has a configured interpreter.
// Checks run in this order and the first failure decides:
//
//  1. community plugins disabled: blocked
//  2. id not on the allowlist: blocked
//  3. not a regular file, a symlink, outside the root, or over the size
//     cap: blocked. Checked before any byte is read.
//  4. manifest missing: unsigned, not executable when signatures are
//     required; manifest invalid, for another id, or for a newer core:
//     untrusted
//  5. SHA-256 differs from the manifest: blocked
//  6. signatures required and the HMAC is missing or wrong: untrusted
//
// Trusted plugins, and unsigned ones when signatures are not required, get
// an execution capability.
//
// # Outputs
//
//   - []Loaded: One entry per candidate, sorted by path.
//   - error: Non-nil only when the root exists but cannot be walked. The
//     previous table stays in place.
func (e *Engine) Load(ctx context.Context) ([]Loaded, error) {
	candidates, err := e.candidates()
	if err != nil {
		return nil, err
	}

	loaded := make([]Loaded, 0, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l := e.evaluate(c, candidates)
		decisionsTotal.WithLabelValues(string(l.Decision)).Inc()
		if l.Executable {
			e.logger.Info("plugin loaded", slog.String("plugin", l.ID), slog.String("decision", string(l.Decision)))
		} else {
			e.logger.Warn("plugin excluded",
				slog.String("plugin", l.ID),
				slog.String("decision", string(l.Decision)),
				slog.String("reason", l.Reason))
		}
		loaded = append(loaded, l)
	}

	e.table.Store(&Table{LoadedAt: time.Now().UTC(), Plugins: loaded})
	return loaded, nil
}

// candidates lists plugin files under the root, sorted by path.
func (e *Engine) candidates() ([]string, error) {
	root := e.cfg.Root
	if root == "" {
		return nil, nil
	}
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := e.cfg.Interpreters[strings.ToLower(filepath.Ext(path))]; ok {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan plugin root: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) evaluate(path string, all []string) Loaded {
	l := Loaded{ID: pluginID(path), Path: path}
	decide := func(d Decision, format string, args ...any) Loaded {
		l.Decision = d
		l.Reason = fmt.Sprintf(format, args...)
		return l
	}

	if !e.cfg.EnableCommunity {
		return decide(Blocked, "community plugins are disabled")
	}
	if !slices.Contains(e.cfg.Allowlist, l.ID) {
		return decide(Blocked, "not on the allowlist")
	}
	checked, err := e.checkFile(path)
	if err != nil {
		return decide(Blocked, "%v", err)
	}
	data, err := readCapped(path, e.cfg.MaxFileBytes, checked)
	if err != nil {
		return decide(Blocked, "%v", err)
	}

	manifestPath := findManifest(path, all)
	if manifestPath == "" {
		if e.cfg.SignatureRequired {
			return decide(Unsigned, "no manifest; not executable while signatures are required")
		}
		l.Decision = Unsigned
		l.Reason = "no manifest"
		l.Executable = true
		l.matcher = e.newMatcher(l.ID, path, data)
		return l
	}
	m, err := loadManifest(manifestPath)
	if err != nil {
		return decide(Untrusted, "%v", err)
	}
	l.Manifest = m
	if m.ID != l.ID {
		return decide(Untrusted, "manifest is for %q", m.ID)
	}
	if err := m.CheckCore(); err != nil {
		return decide(Untrusted, "%v", err)
	}
	if got := Digest(data); got != m.SHA256 {
		return decide(Blocked, "sha256 mismatch: manifest %s, file %s", short(m.SHA256), short(got))
	}
	if e.cfg.SignatureRequired {
		if m.Signature == "" {
			return decide(Untrusted, "signature required but missing")
		}
		if m.SignatureAlg != AlgHMACSHA256 {
			return decide(Untrusted, "unsupported signature_alg %q", m.SignatureAlg)
		}
		if !e.key.verify(data, m.Signature) {
			return decide(Untrusted, "integrity signature mismatch")
		}
	}

	l.Decision = Trusted
	l.Executable = true
	l.matcher = e.newMatcher(l.ID, path, data)
	return l
}

// checkFile applies the filesystem hardening rules without reading the
// file. The returned info identifies the checked file for readCapped.
func (e *Engine) checkFile(path string) (fs.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil, errors.New("plugin file is a symlink")
	}
	if !info.Mode().IsRegular() {
		return nil, errors.New("plugin is not a regular file")
	}
	if info.Size() > e.cfg.MaxFileBytes {
		return nil, fmt.Errorf("plugin is %d bytes, cap is %d", info.Size(), e.cfg.MaxFileBytes)
	}
	root, err := filepath.EvalSymlinks(e.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, fmt.Errorf("resolve plugin: %w", err)
	}
	if !within(root, resolved) {
		return nil, fmt.Errorf("plugin resolves outside the plugin root")
	}
	return info, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// readCapped opens path without following a final symlink and reads at
// most max bytes. The checks are repeated on the open handle: it must be a
// regular file within the cap and, when checked is non-nil, the same file
// that was inspected before, so a swap after checkFile is refused.
func readCapped(path string, max int64, checked fs.FileInfo) ([]byte, error) {
	f, err := openNoFollow(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat open file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.New("opened file is not a regular file")
	}
	if info.Size() > max {
		return nil, fmt.Errorf("file is %d bytes, cap is %d", info.Size(), max)
	}
	if checked != nil && !os.SameFile(checked, info) {
		return nil, errors.New("file was replaced after it was checked")
	}

	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("file exceeds %d bytes", max)
	}
	return data, nil
}

// findManifest returns the manifest paired with a plugin: <id>.json,
// <id>.manifest.json, or manifest.json when the plugin is the only
// candidate in its directory.
func findManifest(path string, all []string) string {
	dir := filepath.Dir(path)
	id := pluginID(path)
	for _, name := range []string{id + ".json", id + ".manifest.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Lstat(p); err == nil {
			return p
		}
	}
	siblings := 0
	for _, other := range all {
		if filepath.Dir(other) == dir {
			siblings++
		}
	}
	if siblings == 1 {
		p := filepath.Join(dir, "manifest.json")
		if _, err := os.Lstat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadManifest(path string) (*Manifest, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stat manifest: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: manifest is not a regular file", ErrInvalidManifest)
	}
	data, err := readCapped(path, MaxManifestBytes, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return ParseManifest(data)
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
