// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs crash analysis as an ordered chain of stages.
//
// Stages declare the capabilities they require and provide. The Builder
// orders them; the Orchestrator runs them one at a time against a per-run
// Context, skipping stages whose requirements are unmet, isolating stage
// failures and panics, and validating the result against the metadata
// contract before the run may leave the process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/contract"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
)

var (
	tracer = otel.Tracer("aleutian.doctor.pipeline")
	meter  = otel.Meter("aleutian.doctor.pipeline")
)

// Orchestrator executes a Pipeline.
//
// Thread Safety:
//
//	Run is safe for concurrent use. Each run owns its Context.
type Orchestrator struct {
	pipeline *Pipeline
	contract *contract.Contract
	logger   *slog.Logger

	metricsOnce   sync.Once
	stageLatency  metric.Float64Histogram
	stageOutcomes metric.Int64Counter
	runOutcomes   metric.Int64Counter
}

// NewOrchestrator creates an orchestrator. A nil contract means
// contract.Default(); a nil logger means slog.Default().
func NewOrchestrator(p *Pipeline, c *contract.Contract, logger *slog.Logger) (*Orchestrator, error) {
	if p == nil {
		return nil, ErrNilPipeline
	}
	if c == nil {
		c = contract.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, w := range p.warnings {
		logger.Warn("pipeline built with unmet requirement", slog.String("pipeline", p.name), slog.String("detail", w))
	}
	return &Orchestrator{pipeline: p, contract: c, logger: logger}, nil
}

// Pipeline returns the pipeline being run.
func (o *Orchestrator) Pipeline() *Pipeline {
	return o.pipeline
}

func (o *Orchestrator) initMetrics() {
	o.metricsOnce.Do(func() {
		var failed []string
		var err error

		o.stageLatency, err = meter.Float64Histogram("doctor_stage_duration_seconds",
			metric.WithDescription("Time spent in each pipeline stage"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "stage_latency: "+err.Error())
		}

		o.stageOutcomes, err = meter.Int64Counter("doctor_stage_outcomes_total",
			metric.WithDescription("Stage outcomes by stage and status"),
		)
		if err != nil {
			failed = append(failed, "stage_outcomes: "+err.Error())
		}

		o.runOutcomes, err = meter.Int64Counter("doctor_runs_total",
			metric.WithDescription("Pipeline runs by status"),
		)
		if err != nil {
			failed = append(failed, "run_outcomes: "+err.Error())
		}

		if len(failed) > 0 {
			o.logger.Error("failed to initialize some pipeline metrics",
				slog.Int("failed_count", len(failed)),
				slog.Any("errors", failed),
			)
		}
	})
}

// Run analyzes one error event.
//
// # Description
//
// Stamps the run with the contract version, then executes each stage in
// pipeline order:
//
//   - unmet requirement (provider absent, skipped or failed): the stage is
//     skipped without being invoked and the run becomes degraded
//   - error, timeout or panic: the stage is marked failed, the error is
//     recorded and the run becomes degraded; later stages whose
//     requirements still hold keep running
//   - ok or degraded: the stage's capabilities become available
//
// The finished context is validated against the metadata contract. A
// violation quarantines the run: the raw snapshot is kept and the run is
// never marked ready. Otherwise the run is ready when it holds a payload
// that fits the hard budget.
//
// # Inputs
//
//   - ctx: Cancellation. Stages not yet started when ctx is done are skipped.
//   - event: The captured failure. Never modified.
//   - cfg: Settings for this run. Nil means config.Default().
//
// # Outputs
//
//   - *Context: Always non-nil and well formed. Run does not panic.
func (o *Orchestrator) Run(ctx context.Context, event datatypes.ErrorEvent, cfg *config.Config) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	o.initMetrics()

	rc := newContext(uuid.NewString(), event, cfg, o.contract.Version())

	ctx, span := tracer.Start(ctx, "doctor.Pipeline",
		trace.WithAttributes(
			attribute.String("doctor.pipeline", o.pipeline.name),
			attribute.String("doctor.run_id", rc.RunID),
			attribute.Int("doctor.stage_count", len(o.pipeline.stages)),
		),
	)
	defer span.End()

	logger := o.logger.With(slog.String("run_id", rc.RunID))
	logger.Debug("pipeline started", slog.Int("stages", len(o.pipeline.stages)))
	start := time.Now()

	for _, st := range o.pipeline.stages {
		name := st.Name()

		if err := ctx.Err(); err != nil {
			o.skip(ctx, rc, name, "run canceled: "+err.Error())
			continue
		}
		if missing := unmet(rc, st.Requires()); len(missing) > 0 {
			o.skip(ctx, rc, name, "requires "+strings.Join(missing, ", "))
			logger.Info("stage skipped", slog.String("stage", name), slog.Any("missing", missing))
			continue
		}

		status, err := o.executeStage(ctx, st, rc, logger)
		rc.StageStatus[name] = status
		o.countStage(ctx, name, status)

		switch status {
		case StatusOK, StatusDegraded:
			for _, capability := range st.Provides() {
				rc.provided[capability] = true
			}
			if status == StatusDegraded {
				rc.Status = RunDegraded
			}
		case StatusSkipped:
			rc.Status = RunDegraded
		case StatusFailed:
			rc.Status = RunDegraded
			rc.StageErrors[name] = err.Error()
		}
	}

	o.finish(rc, logger)

	if o.runOutcomes != nil {
		o.runOutcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(rc.Status)),
			attribute.Bool("quarantined", rc.Quarantined),
			attribute.Bool("ready", rc.Ready),
		))
	}
	span.SetAttributes(
		attribute.String("doctor.status", string(rc.Status)),
		attribute.Bool("doctor.quarantined", rc.Quarantined),
		attribute.Bool("doctor.ready", rc.Ready),
	)
	if rc.Quarantined {
		span.SetStatus(codes.Error, "quarantined")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	logger.Info("pipeline completed",
		slog.String("status", string(rc.Status)),
		slog.Bool("quarantined", rc.Quarantined),
		slog.Bool("ready", rc.Ready),
		slog.Duration("duration", time.Since(start)),
	)
	return rc
}

// executeStage runs one stage under its timeout and converts errors and
// panics into StatusFailed with a *StageError.
func (o *Orchestrator) executeStage(ctx context.Context, st Stage, rc *Context, logger *slog.Logger) (status Status, err error) {
	name := st.Name()
	ctx, span := tracer.Start(ctx, "doctor.stage."+name,
		trace.WithAttributes(
			attribute.String("doctor.stage", name),
			attribute.StringSlice("doctor.requires", st.Requires()),
			attribute.StringSlice("doctor.provides", st.Provides()),
		),
	)
	defer span.End()

	timeout := st.Timeout()
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			status = StatusFailed
			err = &StageError{Stage: name, Err: fmt.Errorf("%w: %v", ErrStagePanic, r)}
		}
		if o.stageLatency != nil {
			o.stageLatency.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("stage", name)),
			)
		}
		span.SetAttributes(attribute.String("doctor.stage_status", string(status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("stage failed",
				slog.String("stage", name),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Debug("stage finished",
			slog.String("stage", name),
			slog.String("status", string(status)),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	status, err = st.Process(stageCtx, rc)
	if err != nil {
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrStageTimeout) {
			err = fmt.Errorf("%w after %s: %w", ErrStageTimeout, timeout, err)
		}
		return StatusFailed, &StageError{Stage: name, Err: err}
	}
	switch status {
	case StatusOK, StatusDegraded, StatusSkipped:
		return status, nil
	case StatusFailed:
		return StatusFailed, &StageError{Stage: name, Err: errors.New("stage reported failure without an error")}
	default:
		return StatusOK, nil
	}
}

func (o *Orchestrator) skip(ctx context.Context, rc *Context, name, reason string) {
	rc.StageStatus[name] = StatusSkipped
	rc.Status = RunDegraded
	rc.Warn("stage %s skipped: %s", name, reason)
	o.countStage(ctx, name, StatusSkipped)
}

func (o *Orchestrator) countStage(ctx context.Context, name string, status Status) {
	if o.stageOutcomes != nil {
		o.stageOutcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", name),
			attribute.String("status", string(status)),
		))
	}
}

// finish validates the run and decides quarantine and readiness.
func (o *Orchestrator) finish(rc *Context, logger *slog.Logger) {
	err := o.validate(rc)
	if err != nil {
		rc.Quarantined = true
		rc.QuarantineReason = err.Error()
		rc.RawSnapshot = rc.takeSnapshot()
		rc.Ready = false
		logger.Warn("run quarantined", slog.String("reason", rc.QuarantineReason))
		return
	}
	rc.Ready = rc.Payload != nil && !rc.BudgetExceeded
}

func (o *Orchestrator) validate(rc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: validation panicked: %v", contract.ErrContractViolation, r)
		}
	}()
	status := make(map[string]string, len(rc.StageStatus))
	for k, v := range rc.StageStatus {
		status[k] = string(v)
	}
	return o.contract.Validate(contract.Subject{
		Version:     rc.ContractVersion,
		Enrichment:  rc.Enrichment,
		StageStatus: status,
		Matches:     rc.Matches,
		Payload:     rc.Payload,
	})
}

func unmet(rc *Context, requires []string) []string {
	var missing []string
	for _, req := range requires {
		if !rc.provided[req] {
			missing = append(missing, req)
		}
	}
	return missing
}
