// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patterns loads, compiles and serves regex error signatures.
//
// # Description
//
// Rules come from versioned YAML files: the built-in set compiled into the
// binary plus every *.yaml / *.yml file in an optional rules directory, read
// in lexical order. Patterns are ordered by descending priority; ties keep
// declaration order. The compiled table is an immutable Snapshot published
// through an atomic pointer, so a reload is never visible half-applied to a
// matcher in the middle of a scan.
//
// # Thread Safety
//
// Store is safe for concurrent use. Match is lock-free apart from the LRU
// cache's internal lock.
package patterns

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// BuiltinRules holds the rule set shipped with the binary.
//
//go:embed rules/builtin.yaml
var BuiltinRules []byte

// builtinSource names the embedded rule set in Pattern.Source.
const builtinSource = "builtin"

// DefaultCacheSize is used when Options.CacheSize is not positive.
const DefaultCacheSize = 1024

// =============================================================================
// Metrics
// =============================================================================

var (
	reloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doctor",
		Subsystem: "patterns",
		Name:      "reloads_total",
		Help:      "Rule table reloads by result",
	}, []string{"result"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doctor",
		Subsystem: "patterns",
		Name:      "cache_lookups_total",
		Help:      "Match cache lookups by result",
	}, []string{"result"})
)

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is one immutable compiled rule table.
type Snapshot struct {
	Generation uint64
	Versions   map[string]string
	LoadedAt   time.Time
	Patterns   []*Pattern
}

// Len returns the number of patterns.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Patterns)
}

// Lookup returns the pattern with the given id.
func (s *Snapshot) Lookup(id string) (*Pattern, bool) {
	for _, p := range s.Patterns {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// first returns the highest-priority match.
func (s *Snapshot) first(text string) *Pattern {
	for _, p := range s.Patterns {
		if p.MatchString(text) {
			return p
		}
	}
	return nil
}

// =============================================================================
// Store
// =============================================================================

// Options configures a Store.
type Options struct {
	// RulesDir holds additional rule files. Empty means built-ins only.
	RulesDir string

	// CacheSize bounds the match cache.
	CacheSize int

	// Builtin replaces the embedded rule set. Nil uses BuiltinRules.
	Builtin []byte

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type cacheKey struct {
	generation uint64
	digest     [sha256.Size]byte
}

// Store serves the current rule snapshot.
type Store struct {
	opts       Options
	logger     *slog.Logger
	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64
	cache      *lru.Cache[cacheKey, *Pattern]
	reloads    singleflight.Group
}

// NewStore builds a store and performs the initial load.
//
// # Outputs
//
//   - *Store: ready to match.
//   - error: the initial rule set was invalid (wraps ErrInvalidRules).
func NewStore(opts Options) (*Store, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Builtin == nil {
		opts.Builtin = BuiltinRules
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[cacheKey, *Pattern](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create match cache: %w", err)
	}

	s := &Store{opts: opts, logger: logger.With(slog.String("component", "patterns")), cache: cache}
	if _, err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current rule table.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// RulesDir returns the configured rules directory.
func (s *Store) RulesDir() string {
	return s.opts.RulesDir
}

// Match returns the highest-priority pattern matching text.
//
// Results are cached per snapshot generation, so a reload never serves a
// stale match.
func (s *Store) Match(text string) (*Pattern, bool) {
	snap := s.current.Load()
	key := cacheKey{generation: snap.Generation, digest: sha256.Sum256([]byte(text))}

	if p, ok := s.cache.Get(key); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return p, p != nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	p := snap.first(text)
	s.cache.Add(key, p)
	return p, p != nil
}

// Reload rebuilds the rule table from its sources and swaps it in.
//
// # Description
//
// Concurrent callers share one rebuild. On failure the previous snapshot
// stays active and the error is returned.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := s.reloads.Do("reload", func() (any, error) {
		snap, err := s.build()
		if err != nil {
			reloadTotal.WithLabelValues("error").Inc()
			s.logger.Warn("rule reload rejected", slog.String("error", err.Error()))
			return nil, err
		}
		old := s.current.Swap(snap)
		if old != nil {
			s.cache.Purge()
		}
		reloadTotal.WithLabelValues("ok").Inc()
		s.logger.Info("rules loaded",
			slog.Uint64("generation", snap.Generation),
			slog.Int("patterns", snap.Len()))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (s *Store) build() (*Snapshot, error) {
	type source struct {
		name string
		data []byte
	}
	sources := []source{{name: builtinSource, data: s.opts.Builtin}}

	if s.opts.RulesDir != "" {
		files, err := ruleFiles(s.opts.RulesDir)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			data, err := readCapped(path)
			if err != nil {
				return nil, err
			}
			sources = append(sources, source{name: filepath.Base(path), data: data})
		}
	}

	snap := &Snapshot{Versions: make(map[string]string), LoadedAt: time.Now()}
	seen := make(map[string]string)
	for _, src := range sources {
		rf, err := parseRuleFile(src.name, src.data)
		if err != nil {
			return nil, err
		}
		snap.Versions[src.name] = rf.Version
		for _, p := range rf.Patterns {
			if prev, dup := seen[p.ID]; dup {
				return nil, fmt.Errorf("%w: %s declared in %s and %s", ErrDuplicatePattern, p.ID, prev, src.name)
			}
			seen[p.ID] = src.name
			snap.Patterns = append(snap.Patterns, p)
		}
	}
	sortByPriority(snap.Patterns)
	snap.Generation = s.generation.Add(1)
	return snap, nil
}

func ruleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isRuleFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func readCapped(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat rule file: %w", err)
	}
	if info.Size() > MaxRuleFileBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidRules, filepath.Base(path), MaxRuleFileBytes)
	}
	return os.ReadFile(path)
}
