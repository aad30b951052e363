// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contract versions and validates the metadata pipeline stages
// attach to a run.
//
// # Description
//
// Each stage stores one typed metadata value in the run's enrichment map,
// keyed by the stage name. The Contract knows which Go type belongs to each
// key and validates values with go-playground/validator struct tags. A run
// that fails validation is quarantined by the orchestrator rather than
// handed to the outbound path.
//
// Contract versions are semantic versions. A run stamped with a version is
// compatible with a contract of the same major version.
package contract

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
)

// Version is the metadata contract version stamped on every run.
const Version = "1.2.0"

// Stage keys of the built-in metadata schemas.
const (
	KeySanitizer = "sanitizer"
	KeyMatcher   = "pattern_matcher"
	KeyEnhancer  = "context_enhancer"
	KeyBuilder   = "llm_context_builder"
)

// ErrContractViolation is wrapped by every ViolationError.
var ErrContractViolation = errors.New("metadata contract violation")

// ViolationError lists every problem found in one validation pass.
type ViolationError struct {
	Version  string
	Problems []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("metadata contract %s violated: %s", e.Version, strings.Join(e.Problems, "; "))
}

// Unwrap returns ErrContractViolation.
func (e *ViolationError) Unwrap() error {
	return ErrContractViolation
}

// Subject is the part of a run the contract inspects.
type Subject struct {
	Version     string
	Enrichment  map[string]any
	StageStatus map[string]string
	Matches     []datatypes.Match
	Payload     *datatypes.LLMPayload
}

// Contract is an immutable schema registry. Build it with New and Register
// before sharing it between goroutines.
type Contract struct {
	version  *semver.Version
	schemas  map[string]reflect.Type
	validate *validator.Validate
}

// New returns a contract at version with no schemas registered.
func New(version string) (*Contract, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("contract version %q: %w", version, err)
	}
	return &Contract{
		version:  v,
		schemas:  make(map[string]reflect.Type),
		validate: validator.New(),
	}, nil
}

// Default returns the contract at Version with the built-in stage schemas.
func Default() *Contract {
	c, err := New(Version)
	if err != nil {
		panic(err)
	}
	c.Register(KeySanitizer, &SanitizerMetadata{})
	c.Register(KeyMatcher, &MatcherMetadata{})
	c.Register(KeyEnhancer, &EnhancerMetadata{})
	c.Register(KeyBuilder, &BuilderMetadata{})
	return c
}

// Register binds key to the dynamic type of sample, which must be a pointer
// to a struct.
func (c *Contract) Register(key string, sample any) {
	t := reflect.TypeOf(sample)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("contract: schema for %q must be a pointer to a struct, got %T", key, sample))
	}
	c.schemas[key] = t
}

// Version returns the contract version string.
func (c *Contract) Version() string {
	return c.version.Original()
}

// Keys returns registered keys in sorted order.
func (c *Contract) Keys() []string {
	keys := make([]string, 0, len(c.schemas))
	for k := range c.schemas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Compatible reports whether a run stamped with version can be validated by
// this contract.
func (c *Contract) Compatible(version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return v.Major() == c.version.Major() && !v.GreaterThan(c.version)
}

// Validate checks a run against the contract.
//
// # Description
//
// Checks, collecting every problem rather than stopping at the first:
//
//   - the stamped version is compatible
//   - every enrichment key is registered and holds the registered type
//   - every enrichment value passes its struct tags
//   - every stage that finished ok or degraded left its metadata
//   - every match and the payload, when present, pass their struct tags
//
// # Outputs
//
//   - error: *ViolationError (wraps ErrContractViolation), or nil.
func (c *Contract) Validate(s Subject) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.Version == "" {
		add("contract version not stamped")
	} else if !c.Compatible(s.Version) {
		add("run version %s incompatible with contract %s", s.Version, c.Version())
	}

	keys := make([]string, 0, len(s.Enrichment))
	for k := range s.Enrichment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := s.Enrichment[key]
		want, ok := c.schemas[key]
		if !ok {
			add("enrichment %q has no registered schema", key)
			continue
		}
		if value == nil || reflect.TypeOf(value) != want {
			add("enrichment %q has type %T, want %s", key, value, want)
			continue
		}
		if reflect.ValueOf(value).IsNil() {
			add("enrichment %q is nil", key)
			continue
		}
		if err := c.validate.Struct(value); err != nil {
			add("enrichment %q: %v", key, err)
		}
	}

	for _, key := range c.Keys() {
		status := s.StageStatus[key]
		if status != "ok" && status != "degraded" {
			continue
		}
		if _, ok := s.Enrichment[key]; !ok {
			add("stage %q finished %s without metadata", key, status)
		}
	}

	for i := range s.Matches {
		if err := c.validate.Struct(&s.Matches[i]); err != nil {
			add("matched_patterns[%d]: %v", i, err)
		}
	}

	if s.Payload != nil {
		if err := c.validate.Struct(s.Payload); err != nil {
			add("llm_payload: %v", err)
		}
		if strings.TrimSpace(s.Payload.Traceback) == "" {
			add("llm_payload: empty traceback")
		}
	}

	if len(problems) > 0 {
		return &ViolationError{Version: c.Version(), Problems: problems}
	}
	return nil
}
