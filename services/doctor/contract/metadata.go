// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

// SanitizerMetadata is attached by the sanitizer stage.
type SanitizerMetadata struct {
	Level       string         `json:"level" validate:"oneof=none basic strict"`
	Redactions  map[string]int `json:"redactions,omitempty" validate:"dive,keys,required,endkeys,gte=0"`
	InputBytes  int            `json:"input_bytes" validate:"gte=0"`
	OutputBytes int            `json:"output_bytes" validate:"gte=0"`
}

// MatcherMetadata is attached by the pattern matcher stage.
type MatcherMetadata struct {
	RulesGeneration uint64   `json:"rules_generation" validate:"gt=0"`
	BuiltinMatched  bool     `json:"builtin_matched"`
	PatternID       string   `json:"pattern_id,omitempty" validate:"required_if=BuiltinMatched true"`
	PluginsInvoked  int      `json:"plugins_invoked" validate:"gte=0"`
	PluginMatches   int      `json:"plugin_matches" validate:"gte=0,ltefield=PluginsInvoked"`
	PluginErrors    []string `json:"plugin_errors,omitempty"`
}

// EnhancerMetadata is attached by the context enhancer stage.
type EnhancerMetadata struct {
	ErrorType    string            `json:"error_type,omitempty" validate:"max=256"`
	ErrorMessage string            `json:"error_message,omitempty" validate:"max=4096"`
	Keywords     []string          `json:"keywords,omitempty" validate:"max=64,dive,required"`
	SystemInfo   map[string]string `json:"system_info,omitempty" validate:"max=256"`
	NodeKnown    bool              `json:"node_known"`
	GraphNodes   int               `json:"graph_nodes" validate:"gte=0"`
}

// BuilderMetadata is attached by the LLM context builder stage.
type BuilderMetadata struct {
	ProviderClass   string `json:"provider_class" validate:"oneof=remote local"`
	Estimator       string `json:"estimator" validate:"required"`
	EstimatedTokens int    `json:"estimated_tokens" validate:"gte=0"`
	SoftLimit       int    `json:"soft_limit" validate:"gt=0"`
	HardLimit       int    `json:"hard_limit" validate:"gtefield=SoftLimit"`
	TrimSteps       int    `json:"trim_steps" validate:"gte=1"`
	WorkflowNodes   int    `json:"workflow_nodes" validate:"gte=0"`
	BudgetExceeded  bool   `json:"budget_exceeded"`
}
