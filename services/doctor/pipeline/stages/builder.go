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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/budget"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/contract"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
)

// LLMContextBuilder produces the token-bounded payload for the configured
// provider class.
type LLMContextBuilder struct {
	pipeline.BaseStage
	trimmer *budget.Trimmer
}

// NewLLMContextBuilder creates the builder stage.
func NewLLMContextBuilder(trimmer *budget.Trimmer) *LLMContextBuilder {
	if trimmer == nil {
		trimmer = budget.NewTrimmer(nil)
	}
	return &LLMContextBuilder{
		BaseStage: pipeline.BaseStage{
			StageName:     contract.KeyBuilder,
			StageRequires: []string{pipeline.CapSanitizedTraceback, pipeline.CapEnrichedContext},
			StageProvides: []string{pipeline.CapLLMPayload},
			StageTimeout:  10 * time.Second,
		},
		trimmer: trimmer,
	}
}

// Process implements pipeline.Stage.
//
// Description:
//
//	The payload is fitted with budget.Trimmer. Ending above the soft limit
//	adds a warning. Ending above the hard limit marks the run
//	budget_exceeded and the stage degraded; the payload is kept so the
//	caller can still inspect it.
func (b *LLMContextBuilder) Process(_ context.Context, rc *pipeline.Context) (pipeline.Status, error) {
	enriched, ok := rc.Enrichment[contract.KeyEnhancer].(*contract.EnhancerMetadata)
	if !ok || enriched == nil {
		return pipeline.StatusFailed, fmt.Errorf("%w: %s", ErrMissingEnrichment, contract.KeyEnhancer)
	}
	level, err := privacyLevel(rc)
	if err != nil {
		return pipeline.StatusFailed, err
	}

	class := datatypes.ProviderClass(rc.Config.Provider.Class)
	if class != datatypes.ProviderRemote {
		class = datatypes.ProviderLocal
	}
	limits := rc.Config.LimitsFor(string(class))

	res := b.trimmer.Fit(budget.Input{
		Traceback:    rc.SanitizedTraceback,
		ErrorType:    enriched.ErrorType,
		ErrorMessage: enriched.ErrorMessage,
		Node:         nodeForPayload(rc.Event.NodeContext, level),
		Matches:      rc.Matches,
		SystemInfo:   enriched.SystemInfo,
		Graph:        rc.Event.WorkflowGraph,
		FailingNode:  rc.Event.FailingNodeID(),
		Keywords:     enriched.Keywords,
		Class:        class,
		Limits:       budget.Limits{Soft: limits.SoftLimit, Hard: limits.HardLimit},
		Prune: budget.PruneOptions{
			MaxDepth: rc.Config.Pruner.MaxDepth,
			MaxNodes: rc.Config.Pruner.MaxNodes,
		},
	})
	rc.Payload = res.Payload

	rc.SetMetadata(b.Name(), &contract.BuilderMetadata{
		ProviderClass:   string(class),
		Estimator:       b.trimmer.Estimator().Name(),
		EstimatedTokens: res.Payload.EstimatedTokens,
		SoftLimit:       limits.SoftLimit,
		HardLimit:       limits.HardLimit,
		TrimSteps:       len(res.Payload.TrimSteps),
		WorkflowNodes:   res.Payload.Workflow.Len(),
		BudgetExceeded:  res.Exceeded,
	})

	switch {
	case res.Exceeded:
		rc.BudgetExceeded = true
		rc.Warn("%v: %d tokens after trimming, hard limit %d", budget.ErrBudgetExceeded, res.Payload.EstimatedTokens, limits.HardLimit)
		return pipeline.StatusDegraded, nil
	case res.OverSoft:
		rc.Warn("payload is %d tokens, above the soft limit %d", res.Payload.EstimatedTokens, limits.SoftLimit)
	}
	return pipeline.StatusOK, nil
}
