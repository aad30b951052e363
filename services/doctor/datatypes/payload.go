// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// MatchSource says where a match came from.
type MatchSource string

const (
	// SourceBuiltin marks a match from the rule tables.
	SourceBuiltin MatchSource = "builtin"

	// SourcePlugin marks a match contributed by a trusted plugin.
	SourcePlugin MatchSource = "plugin"
)

// Match is one classification of the error text.
type Match struct {
	PatternID     string         `json:"pattern_id,omitempty" validate:"required_if=Source builtin"`
	Category      string         `json:"category,omitempty" validate:"required_if=Source builtin"`
	SuggestionKey string         `json:"suggestion_key,omitempty"`
	Priority      int            `json:"priority" validate:"gte=0,lte=100"`
	Source        MatchSource    `json:"source" validate:"required,oneof=builtin plugin"`
	PluginID      string         `json:"plugin_id,omitempty" validate:"required_if=Source plugin"`
	Suggestion    string         `json:"suggestion,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ProviderClass selects the token budget applied to the payload.
type ProviderClass string

const (
	// ProviderRemote is a hosted model API.
	ProviderRemote ProviderClass = "remote"

	// ProviderLocal is a model served on the same machine.
	ProviderLocal ProviderClass = "local"
)

// TrimStep records one measurement taken while fitting the payload into
// its token budget.
type TrimStep struct {
	Step   string `json:"step"`
	Tokens int    `json:"tokens"`
}

// LLMPayload is the bounded, sanitized context handed to a model provider.
type LLMPayload struct {
	ErrorType       string            `json:"error_type,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Traceback       string            `json:"traceback"`
	Node            *NodeContext      `json:"node,omitempty"`
	Matches         []Match           `json:"matches,omitempty"`
	SystemInfo      map[string]string `json:"system_info,omitempty"`
	Workflow        *Graph            `json:"workflow,omitempty"`
	ProviderClass   ProviderClass     `json:"provider_class" validate:"required,oneof=remote local"`
	EstimatedTokens int               `json:"estimated_tokens" validate:"gte=0"`
	SoftLimit       int               `json:"soft_limit" validate:"gt=0"`
	HardLimit       int               `json:"hard_limit" validate:"gtefield=SoftLimit"`
	Sections        map[string]int    `json:"sections,omitempty"`
	TrimSteps       []TrimStep        `json:"trim_steps,omitempty"`
}
