// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
)

// Context is the state of one run. It is owned by a single run; stages
// write to it in order and never retain it.
type Context struct {
	RunID     string
	StartedAt time.Time
	Event     datatypes.ErrorEvent
	Config    *config.Config

	SanitizedTraceback string
	Matches            []datatypes.Match
	Enrichment         map[string]any
	Payload            *datatypes.LLMPayload

	StageStatus map[string]Status
	StageErrors map[string]string
	Status      RunStatus

	ContractVersion  string
	Quarantined      bool
	QuarantineReason string
	RawSnapshot      json.RawMessage

	Ready          bool
	BudgetExceeded bool
	Warnings       []string

	provided map[string]bool
}

func newContext(runID string, event datatypes.ErrorEvent, cfg *config.Config, version string) *Context {
	return &Context{
		RunID:           runID,
		StartedAt:       time.Now().UTC(),
		Event:           event,
		Config:          cfg,
		Enrichment:      make(map[string]any),
		StageStatus:     make(map[string]Status),
		StageErrors:     make(map[string]string),
		Status:          RunOK,
		ContractVersion: version,
		provided:        make(map[string]bool),
	}
}

// SetMetadata stores a stage's typed metadata under its name.
func (c *Context) SetMetadata(stage string, value any) {
	c.Enrichment[stage] = value
}

// Metadata returns the metadata a stage stored.
func (c *Context) Metadata(stage string) (any, bool) {
	v, ok := c.Enrichment[stage]
	return v, ok
}

// Warn appends a warning to the run.
func (c *Context) Warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Provided reports whether an earlier stage provided capability.
func (c *Context) Provided(capability string) bool {
	return c.provided[capability]
}

// Output is the pipeline output handed to the UI and the model call.
type Output struct {
	RunID                   string                `json:"run_id"`
	Status                  RunStatus             `json:"status"`
	LLMPayload              *datatypes.LLMPayload `json:"llm_payload"`
	MatchedPatterns         []datatypes.Match     `json:"matched_patterns"`
	StageStatus             map[string]Status     `json:"stage_status"`
	StageErrors             map[string]string     `json:"stage_errors,omitempty"`
	MetadataContractVersion string                `json:"metadata_contract_version"`
	Quarantined             bool                  `json:"quarantined"`
	QuarantineReason        string                `json:"quarantine_reason,omitempty"`
	BudgetExceeded          bool                  `json:"budget_exceeded"`
	Ready                   bool                  `json:"ready"`
	Warnings                []string              `json:"warnings,omitempty"`
}

// Output renders the run for collaborators. A quarantined run carries no
// payload.
func (c *Context) Output() Output {
	matches := c.Matches
	if matches == nil {
		matches = []datatypes.Match{}
	}
	out := Output{
		RunID:                   c.RunID,
		Status:                  c.Status,
		LLMPayload:              c.Payload,
		MatchedPatterns:         matches,
		StageStatus:             c.StageStatus,
		MetadataContractVersion: c.ContractVersion,
		Quarantined:             c.Quarantined,
		QuarantineReason:        c.QuarantineReason,
		BudgetExceeded:          c.BudgetExceeded,
		Ready:                   c.Ready,
		Warnings:                c.Warnings,
	}
	if len(c.StageErrors) > 0 {
		out.StageErrors = c.StageErrors
	}
	if c.Quarantined {
		out.LLMPayload = nil
	}
	return out
}

// snapshot is the pre-validation state kept for quarantined runs.
type snapshot struct {
	RunID              string                `json:"run_id"`
	StartedAt          time.Time             `json:"started_at"`
	ContractVersion    string                `json:"metadata_contract_version"`
	SanitizedTraceback string                `json:"sanitized_traceback"`
	Matches            []datatypes.Match     `json:"matched_patterns"`
	Enrichment         map[string]any        `json:"enrichment"`
	Payload            *datatypes.LLMPayload `json:"llm_payload"`
	StageStatus        map[string]Status     `json:"stage_status"`
	StageErrors        map[string]string     `json:"stage_errors"`
	Warnings           []string              `json:"warnings"`
}

// takeSnapshot serializes the run as it stood before validation. Values
// that cannot be encoded are rendered with %#v so the snapshot is never lost.
func (c *Context) takeSnapshot() json.RawMessage {
	s := snapshot{
		RunID:              c.RunID,
		StartedAt:          c.StartedAt,
		ContractVersion:    c.ContractVersion,
		SanitizedTraceback: c.SanitizedTraceback,
		Matches:            c.Matches,
		Enrichment:         c.Enrichment,
		Payload:            c.Payload,
		StageStatus:        c.StageStatus,
		StageErrors:        c.StageErrors,
		Warnings:           c.Warnings,
	}
	raw, err := json.Marshal(s)
	if err == nil {
		return raw
	}
	enrichment := make(map[string]any, len(c.Enrichment))
	for k, v := range c.Enrichment {
		if _, e := json.Marshal(v); e != nil {
			enrichment[k] = fmt.Sprintf("%#v", v)
			continue
		}
		enrichment[k] = v
	}
	s.Enrichment = enrichment
	raw, err = json.Marshal(s)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"run_id": c.RunID, "snapshot_error": err.Error()})
	}
	return raw
}
