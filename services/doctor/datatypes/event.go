// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the values that flow through the doctor pipeline:
// the captured error event, the workflow graph, matches and the LLM payload.
package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

// MaxTracebackBytes caps the traceback accepted on ingress.
const MaxTracebackBytes = 256 * 1024

// MaxEventBytes caps a whole encoded event, graph included.
const MaxEventBytes = 8 * 1024 * 1024

// ErrInvalidEvent wraps every event validation failure.
var ErrInvalidEvent = errors.New("invalid error event")

// eventValidate is the validator instance for event datatypes.
var eventValidate *validator.Validate

func init() {
	eventValidate = validator.New()
	_ = eventValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxTracebackBytes
}

// =============================================================================
// Types
// =============================================================================

// NodeContext identifies the workflow node that was executing when the
// error was raised.
type NodeContext struct {
	NodeID    string `json:"node_id" validate:"required,max=128"`
	NodeName  string `json:"node_name,omitempty" validate:"max=256"`
	NodeClass string `json:"node_class,omitempty" validate:"max=256"`
	NodeTitle string `json:"node_title,omitempty" validate:"max=256"`
}

// ErrorEvent is a captured crash. It is immutable once accepted: no pipeline
// stage writes to it.
type ErrorEvent struct {
	Traceback     string            `json:"traceback" validate:"required,maxbytes"`
	Timestamp     time.Time         `json:"timestamp"`
	NodeContext   *NodeContext      `json:"node_context,omitempty"`
	WorkflowGraph *Graph            `json:"workflow_graph,omitempty"`
	SystemInfo    map[string]string `json:"system_info,omitempty" validate:"max=256"`
}

// Validate checks the event against its struct tags.
//
// # Outputs
//
//   - error: wraps ErrInvalidEvent; nil when the event is acceptable.
func (e *ErrorEvent) Validate() error {
	if err := eventValidate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.NodeContext != nil {
		if err := eventValidate.Struct(e.NodeContext); err != nil {
			return fmt.Errorf("%w: node_context: %v", ErrInvalidEvent, err)
		}
	}
	return nil
}

// FailingNodeID returns the failing node id, or "" when unknown.
func (e *ErrorEvent) FailingNodeID() string {
	if e.NodeContext == nil {
		return ""
	}
	return e.NodeContext.NodeID
}

// DecodeEvent reads one JSON event from r, applies defaults and validates it.
//
// A zero timestamp is replaced with the current time.
func DecodeEvent(r io.Reader) (ErrorEvent, error) {
	var ev ErrorEvent
	dec := json.NewDecoder(io.LimitReader(r, MaxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		return ErrorEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return ErrorEvent{}, err
	}
	return ev, nil
}
