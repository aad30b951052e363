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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
)

// CoreVersion is the plugin API version checked against min_core_version.
const CoreVersion = "1.0.0"

// AlgHMACSHA256 is the only supported signature_alg.
const AlgHMACSHA256 = "hmac-sha256"

// MaxManifestBytes caps manifest files.
const MaxManifestBytes = 64 * 1024

var (
	// ErrInvalidManifest wraps manifest parse and validation failures.
	ErrInvalidManifest = errors.New("invalid plugin manifest")

	// ErrIncompatibleCore is returned when min_core_version excludes
	// CoreVersion.
	ErrIncompatibleCore = errors.New("plugin requires a newer core")
)

var manifestValidate = validator.New()

// Manifest is the trust anchor paired with a plugin file.
//
// Signature, when present, is a hex HMAC-SHA256 of the plugin bytes under a
// shared key. It shows the file was not changed by someone without the key.
// It does not identify the publisher.
type Manifest struct {
	ID             string `json:"id" validate:"required,max=128"`
	Name           string `json:"name,omitempty"`
	Version        string `json:"version" validate:"required"`
	Author         string `json:"author,omitempty"`
	MinCoreVersion string `json:"min_core_version,omitempty"`
	SHA256         string `json:"sha256" validate:"required,len=64,hexadecimal"`
	Signature      string `json:"signature,omitempty" validate:"omitempty,hexadecimal"`
	SignatureAlg   string `json:"signature_alg,omitempty" validate:"omitempty,oneof=hmac-sha256"`
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := manifestValidate.Struct(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidManifest, m.Version, err)
	}
	m.SHA256 = strings.ToLower(m.SHA256)
	m.Signature = strings.ToLower(m.Signature)
	return &m, nil
}

// CheckCore reports whether CoreVersion satisfies min_core_version. The
// field may be a plain version (treated as a minimum) or a constraint.
func (m *Manifest) CheckCore() error {
	if m.MinCoreVersion == "" {
		return nil
	}
	expr := m.MinCoreVersion
	if _, err := semver.NewVersion(expr); err == nil {
		expr = ">= " + expr
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return fmt.Errorf("%w: min_core_version %q: %v", ErrInvalidManifest, m.MinCoreVersion, err)
	}
	core := semver.MustParse(CoreVersion)
	if !c.Check(core) {
		return fmt.Errorf("%w: %s needs %s, core is %s", ErrIncompatibleCore, m.ID, m.MinCoreVersion, CoreVersion)
	}
	return nil
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign returns the hex HMAC-SHA256 of data under key.
func Sign(data, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature in constant time.
func VerifySignature(data, key []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want)
}

// BuildManifest hashes the plugin at path and returns its manifest. A
// non-empty key adds an HMAC signature.
func BuildManifest(path, version string, key []byte) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin: %w", err)
	}
	if version == "" {
		version = "0.1.0"
	}
	m := &Manifest{
		ID:             pluginID(path),
		Name:           pluginID(path),
		Version:        version,
		MinCoreVersion: CoreVersion,
		SHA256:         Digest(data),
	}
	if len(key) > 0 {
		m.Signature = Sign(data, key)
		m.SignatureAlg = AlgHMACSHA256
	}
	if err := manifestValidate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return m, nil
}

// pluginID is the file name without its extension.
func pluginID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
