// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/contract"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/sanitize"
)

// Sanitizer scrubs the raw traceback at the configured privacy level.
type Sanitizer struct {
	pipeline.BaseStage
}

// NewSanitizer creates the sanitizer stage.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{BaseStage: pipeline.BaseStage{
		StageName:     contract.KeySanitizer,
		StageProvides: []string{pipeline.CapSanitizedTraceback},
		StageTimeout:  5 * time.Second,
	}}
}

// Process implements pipeline.Stage.
func (s *Sanitizer) Process(_ context.Context, rc *pipeline.Context) (pipeline.Status, error) {
	if strings.TrimSpace(rc.Event.Traceback) == "" {
		return pipeline.StatusFailed, ErrEmptyTraceback
	}
	level, err := privacyLevel(rc)
	if err != nil {
		return pipeline.StatusFailed, err
	}

	res := sanitize.Scrub(rc.Event.Traceback, level)
	rc.SanitizedTraceback = res.Text
	rc.SetMetadata(s.Name(), &contract.SanitizerMetadata{
		Level:       level.String(),
		Redactions:  res.Redactions,
		InputBytes:  len(rc.Event.Traceback),
		OutputBytes: len(res.Text),
	})
	return pipeline.StatusOK, nil
}
