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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultMaxOutput = 64 * 1024
	maxStderr        = 4 * 1024
)

var (
	// ErrPluginOutput is returned when a plugin writes something other than
	// null or a suggestion object.
	ErrPluginOutput = errors.New("invalid plugin output")

	// ErrNoInterpreter is returned when no interpreter is configured for the
	// plugin's extension.
	ErrNoInterpreter = errors.New("no interpreter for plugin")
)

// Suggestion is what a plugin may contribute for one traceback.
type Suggestion struct {
	Suggestion string         `json:"suggestion"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Matcher is the execution capability handed to executable plugins.
//
// Match returns nil, nil when the plugin has no opinion.
type Matcher interface {
	ID() string
	Match(ctx context.Context, traceback string) (*Suggestion, error)
}

// request is written to the plugin's stdin.
type request struct {
	PluginID  string `json:"plugin_id"`
	Traceback string `json:"traceback"`
}

// processMatcher runs pinned plugin bytes in a child process.
type processMatcher struct {
	id        string
	ext       string
	argv      []string
	data      []byte
	timeout   time.Duration
	maxOutput int64
	logger    *slog.Logger
}

func (e *Engine) newMatcher(id, path string, data []byte) *processMatcher {
	ext := strings.ToLower(filepath.Ext(path))
	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := e.cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	pinned := make([]byte, len(data))
	copy(pinned, data)
	return &processMatcher{
		id:        id,
		ext:       ext,
		argv:      e.cfg.Interpreters[ext],
		data:      pinned,
		timeout:   timeout,
		maxOutput: maxOutput,
		logger:    e.logger.With(slog.String("plugin", id)),
	}
}

func (m *processMatcher) ID() string {
	return m.id
}

// Match runs the plugin once.
//
// # Description
//
// The pinned bytes are written to a private temporary directory and run
// with the configured interpreter. The child gets an empty environment,
// the temporary directory as its working directory, the request as JSON on
// stdin and the timeout. Stdout must be "null", empty, or a Suggestion
// object, and may not exceed the output cap.
func (m *processMatcher) Match(ctx context.Context, traceback string) (*Suggestion, error) {
	if len(m.argv) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInterpreter, m.ext)
	}

	dir, err := os.MkdirTemp("", "doctor-plugin-*")
	if err != nil {
		return nil, fmt.Errorf("plugin workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, m.id+m.ext)
	if err := os.WriteFile(script, m.data, 0o600); err != nil {
		return nil, fmt.Errorf("stage plugin: %w", err)
	}

	input, err := json.Marshal(request{PluginID: m.id, Traceback: traceback})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	args := append(append([]string(nil), m.argv[1:]...), script)
	cmd := exec.CommandContext(ctx, m.argv[0], args...)
	cmd.Dir = dir
	cmd.Env = []string{}
	cmd.Stdin = bytes.NewReader(input)
	stdout := &capWriter{max: m.maxOutput}
	stderr := &capWriter{max: maxStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	m.logger.Debug("plugin ran", slog.Duration("duration", time.Since(start)), slog.Bool("ok", runErr == nil))

	if ctx.Err() != nil {
		return nil, fmt.Errorf("plugin %s: %w", m.id, ctx.Err())
	}
	if runErr != nil {
		return nil, fmt.Errorf("plugin %s: %w: %s", m.id, runErr, strings.TrimSpace(stderr.String()))
	}
	if stdout.overflow {
		return nil, fmt.Errorf("%w: %s wrote more than %d bytes", ErrPluginOutput, m.id, m.maxOutput)
	}
	return parseOutput(stdout.Bytes())
}

func parseOutput(out []byte) (*Suggestion, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 || bytes.Equal(out, []byte("null")) {
		return nil, nil
	}
	var s Suggestion
	if err := json.Unmarshal(out, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPluginOutput, err)
	}
	if strings.TrimSpace(s.Suggestion) == "" {
		return nil, fmt.Errorf("%w: empty suggestion", ErrPluginOutput)
	}
	return &s, nil
}

// capWriter keeps at most max bytes and records whether more were written.
type capWriter struct {
	bytes.Buffer
	max      int64
	overflow bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	room := w.max - int64(w.Len())
	if room <= 0 {
		w.overflow = w.overflow || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > room {
		w.overflow = true
		w.Buffer.Write(p[:room])
		return len(p), nil
	}
	return w.Buffer.Write(p)
}
