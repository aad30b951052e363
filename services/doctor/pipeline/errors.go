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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNilStage is returned when a nil stage is added to a Builder.
	ErrNilStage = errors.New("stage is nil")

	// ErrDuplicateStage is returned when two stages share a name.
	ErrDuplicateStage = errors.New("duplicate stage name")

	// ErrDuplicateProvider is returned when two stages provide the same
	// capability.
	ErrDuplicateProvider = errors.New("capability provided by more than one stage")

	// ErrNoStages is returned when building an empty pipeline.
	ErrNoStages = errors.New("pipeline has no stages")

	// ErrNilPipeline is returned by NewOrchestrator for a nil pipeline.
	ErrNilPipeline = errors.New("pipeline is nil")

	// ErrStageFailed is wrapped by every StageError.
	ErrStageFailed = errors.New("stage failed")

	// ErrStageTimeout marks a stage that ran past its timeout.
	ErrStageTimeout = errors.New("stage timed out")

	// ErrStagePanic marks a stage that panicked.
	ErrStagePanic = errors.New("stage panicked")
)

// StageError is the failure of a single stage. It matches both
// ErrStageFailed and the underlying cause with errors.Is.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns ErrStageFailed and the cause.
func (e *StageError) Unwrap() []error {
	return []error{ErrStageFailed, e.Err}
}

// CycleError lists the stages whose requirements form a cycle.
type CycleError struct {
	Stages []string
}

func (e *CycleError) Error() string {
	return "stage dependency cycle among: " + strings.Join(e.Stages, ", ")
}
