// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxRuleFileBytes caps a single rule file.
const MaxRuleFileBytes = 1 << 20

var (
	// ErrInvalidRules is returned when a rule set fails to parse or validate.
	ErrInvalidRules = errors.New("invalid rule set")

	// ErrDuplicatePattern is returned when two rules share an id.
	ErrDuplicatePattern = errors.New("duplicate pattern id")
)

var ruleValidate = validator.New()

// RuleFile is the on-disk shape of one versioned rule set.
//
//	version: "2025.06"
//	patterns:
//	  - id: cuda_oom
//	    regex: '(?i)CUDA out of memory'
//	    priority: 95
//	    category: memory
//	    suggestion_key: suggestion.cuda_oom
type RuleFile struct {
	Version  string     `yaml:"version" validate:"required"`
	Patterns []*Pattern `yaml:"patterns" validate:"dive,required"`
}

// Pattern is one compiled error signature. Patterns are immutable after a
// snapshot is built and may be shared between goroutines.
type Pattern struct {
	ID            string   `yaml:"id" json:"id" validate:"required,max=128"`
	Regex         string   `yaml:"regex" json:"regex" validate:"required"`
	Priority      int      `yaml:"priority" json:"priority" validate:"gte=0,lte=100"`
	Category      Category `yaml:"category" json:"category" validate:"required"`
	SuggestionKey string   `yaml:"suggestion_key" json:"suggestion_key,omitempty"`
	Description   string   `yaml:"description" json:"description,omitempty"`

	// Source names the rule file the pattern was declared in.
	Source string `yaml:"-" json:"source"`

	compiled *regexp.Regexp
}

// MatchString reports whether the pattern matches text.
func (p *Pattern) MatchString(text string) bool {
	return p.compiled != nil && p.compiled.MatchString(text)
}

// Category groups patterns by root cause.
type Category string

// Known categories. Rule files may only use these.
const (
	CategoryMemory      Category = "memory"
	CategoryModel       Category = "model"
	CategoryDependency  Category = "dependency"
	CategoryShape       Category = "shape"
	CategoryDtype       Category = "dtype"
	CategoryWorkflow    Category = "workflow"
	CategoryFilesystem  Category = "filesystem"
	CategoryNetwork     Category = "network"
	CategoryHardware    Category = "hardware"
	CategoryPermissions Category = "permissions"
	CategoryOther       Category = "other"
)

var knownCategories = map[Category]bool{
	CategoryMemory: true, CategoryModel: true, CategoryDependency: true,
	CategoryShape: true, CategoryDtype: true, CategoryWorkflow: true,
	CategoryFilesystem: true, CategoryNetwork: true, CategoryHardware: true,
	CategoryPermissions: true, CategoryOther: true,
}

// UnmarshalYAML rejects unknown categories at decode time.
func (c *Category) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	cat := Category(strings.ToLower(strings.TrimSpace(s)))
	if !knownCategories[cat] {
		return fmt.Errorf("invalid value for category: %q", s)
	}
	*c = cat
	return nil
}

// parseRuleFile decodes, validates and compiles one rule file.
func parseRuleFile(source string, data []byte) (*RuleFile, error) {
	if len(data) > MaxRuleFileBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidRules, source, MaxRuleFileBytes)
	}
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRules, source, err)
	}
	if err := ruleValidate.Struct(&rf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRules, source, err)
	}
	for _, p := range rf.Patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: pattern %s: %v", ErrInvalidRules, source, p.ID, err)
		}
		p.compiled = re
		p.Source = source
	}
	return &rf, nil
}

// sortByPriority orders patterns by descending priority. The sort is stable
// so equal priorities keep their declaration order.
func sortByPriority(ps []*Pattern) {
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].Priority > ps[j].Priority
	})
}
