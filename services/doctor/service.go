// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package doctor assembles the crash-diagnostics service: the analysis
// pipeline, the plugin trust engine, the outbound funnel and the model
// provider, exposed over a gin HTTP API.
package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/archive"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/budget"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/outbound"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/patterns"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline/stages"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/plugins"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/provider"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/resilience"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/telemetry"
)

// Version is reported by the health endpoint and the telemetry resource.
const Version = "0.4.0"

var tracer = otel.Tracer("aleutian.doctor.service")

// Diagnosis is the outcome of Diagnose.
type Diagnosis struct {
	Output   pipeline.Output `json:"output"`
	Answer   string          `json:"answer,omitempty"`
	Provider string          `json:"provider,omitempty"`
}

// Service wires every doctor component together.
//
// Thread Safety: safe for concurrent use. Runs share only the pattern
// store, the plugin table and the limiters, all of which synchronize
// internally.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *patterns.Store
	engine   *plugins.Engine
	orch     *pipeline.Orchestrator
	funnel   *outbound.Funnel
	client   *resilience.Client
	provider provider.Provider
	archive  *archive.Archive
	metrics  *telemetry.Metrics

	// archiveAll is false when the archive is disabled; quarantined runs
	// are then kept in memory only.
	archiveAll bool
}

// NewService builds a service from cfg.
//
// Description:
//
//	Loads the pattern rules and the plugin trust table, assembles the
//	default pipeline, and creates the outbound funnel, the resilience
//	client and the configured provider. A disabled archive still keeps
//	quarantined runs, in memory.
//
// Inputs:
//
//	cfg - Validated configuration. Nil means config.Default().
//	logger - Nil means slog.Default().
//
// Outputs:
//
//	*Service - Ready to serve. Call Close when done.
//	error - Any component failed to initialize.
func NewService(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := patterns.NewStore(patterns.Options{
		RulesDir:  cfg.Patterns.RulesDir,
		CacheSize: cfg.Patterns.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}

	engine := plugins.NewEngine(cfg.Plugins, logger)
	if _, err := engine.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}

	trimmer := budget.NewTrimmer(budget.NewEstimator(cfg.Budget.Estimator, logger))
	p, err := stages.Build(stages.Deps{Store: store, Plugins: engine, Trimmer: trimmer, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	orch, err := pipeline.NewOrchestrator(p, nil, logger)
	if err != nil {
		return nil, err
	}

	funnel, err := outbound.New(outbound.Options{
		Outbound: cfg.Outbound,
		Privacy:  cfg.Privacy.Mode,
		Timeout:  cfg.Provider.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create outbound funnel: %w", err)
	}
	client := resilience.NewClient(cfg.Resilience, logger)
	prov, err := provider.New(cfg.Provider, funnel, client, logger)
	if err != nil {
		return nil, err
	}

	archiveCfg := cfg.Archive
	if !archiveCfg.Enabled {
		archiveCfg = config.ArchiveConfig{InMemory: true}
	}
	arc, err := archive.Open(archiveCfg, logger)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(otel.Meter("aleutian.doctor.service"))
	if err != nil {
		logger.Warn("service metrics unavailable", slog.String("error", err.Error()))
		metrics = nil
	}

	return &Service{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "service")),
		store:      store,
		engine:     engine,
		orch:       orch,
		funnel:     funnel,
		client:     client,
		provider:   prov,
		archive:    arc,
		metrics:    metrics,
		archiveAll: cfg.Archive.Enabled,
	}, nil
}

// Start runs background work until ctx is cancelled: currently the rule
// directory watch, when enabled.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Patterns.Watch || s.store.RulesDir() == "" {
		return
	}
	go func() {
		if err := s.store.Watch(ctx, s.cfg.Patterns.Debounce); err != nil {
			s.logger.Error("rule watch stopped", slog.String("error", err.Error()))
		}
	}()
}

// Close wipes the plugin signature key and releases the archive.
func (s *Service) Close() error {
	s.engine.Close()
	return s.archive.Close()
}

// Analyze runs the pipeline on event.
//
// Description:
//
//	The event is validated first. Quarantined runs are always archived;
//	other runs only when the archive is enabled. Archive failures are
//	logged and never fail the run.
//
// Outputs:
//
//	*pipeline.Context - The finished run. Nil only with an error.
//	error - Wraps datatypes.ErrInvalidEvent for a rejected event.
func (s *Service) Analyze(ctx context.Context, event datatypes.ErrorEvent) (*pipeline.Context, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	rc := s.orch.Run(ctx, event, s.cfg)

	if rc.Quarantined || s.archiveAll {
		if err := s.archive.Put(archive.FromContext(rc)); err != nil {
			s.logger.Error("archive run failed",
				slog.String("run_id", rc.RunID),
				slog.String("error", err.Error()))
		}
	}

	tokens := 0
	if rc.Payload != nil {
		tokens = rc.Payload.EstimatedTokens
	}
	s.metrics.RecordRun(ctx, string(rc.Status), time.Since(start).Seconds(), tokens)
	return rc, nil
}

// Diagnose analyzes event and asks the provider about it.
//
// Description:
//
//	When onChunk is nil the reply is fetched whole, otherwise it is
//	streamed to onChunk and also collected into the Answer. A run that is
//	quarantined or not ready never reaches the provider.
//
// Outputs:
//
//	*Diagnosis - Carries the run output whenever the pipeline ran, even
//	    alongside an error.
//	error - ErrQuarantined, ErrNotReady (wrapping budget.ErrBudgetExceeded
//	    when over budget), SSRF, rate limit or provider errors.
func (s *Service) Diagnose(ctx context.Context, event datatypes.ErrorEvent, question string, onChunk func(string) error) (*Diagnosis, error) {
	rc, err := s.Analyze(ctx, event)
	if err != nil {
		return nil, err
	}
	d := &Diagnosis{Output: rc.Output()}
	answer, err := s.Ask(ctx, rc, question, onChunk)
	if err != nil {
		return d, err
	}
	d.Answer = answer
	d.Provider = s.provider.Name()
	return d, nil
}

// Ask sends a finished run to the provider. See Diagnose.
func (s *Service) Ask(ctx context.Context, rc *pipeline.Context, question string, onChunk func(string) error) (string, error) {
	if err := Sendable(rc); err != nil {
		return "", err
	}
	ctx, span := tracer.Start(ctx, "doctor.Diagnose")
	defer span.End()

	messages, err := provider.Messages(rc.Payload, question)
	if err != nil {
		return "", err
	}

	var answer string
	if onChunk == nil {
		answer, err = s.provider.Complete(ctx, messages)
	} else {
		var b strings.Builder
		err = s.provider.Stream(ctx, messages, func(chunk string) error {
			b.WriteString(chunk)
			return onChunk(chunk)
		})
		answer = b.String()
	}

	outcome := "ok"
	if err != nil {
		_, outcome = classify(err)
		telemetry.RecordError(span, err)
		telemetry.LoggerWithTrace(ctx, s.logger).Warn("diagnosis failed",
			slog.String("run_id", rc.RunID),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()))
	}
	s.metrics.RecordDiagnosis(ctx, s.provider.Name(), outcome)
	return answer, err
}

// Sendable reports why rc may not be sent to a provider, or nil.
func Sendable(rc *pipeline.Context) error {
	switch {
	case rc.Quarantined:
		return fmt.Errorf("%w: %s", ErrQuarantined, rc.QuarantineReason)
	case rc.Ready:
		return nil
	case rc.BudgetExceeded:
		return fmt.Errorf("%w: %w", ErrNotReady, budget.ErrBudgetExceeded)
	default:
		return ErrNotReady
	}
}

// ReloadPlugins re-evaluates the plugin directory.
func (s *Service) ReloadPlugins(ctx context.Context) ([]plugins.Loaded, error) {
	return s.engine.Load(ctx)
}

// ReloadPatterns rebuilds the rule table.
func (s *Service) ReloadPatterns(ctx context.Context) (*patterns.Snapshot, error) {
	return s.store.Reload(ctx)
}

// Plugins returns the current trust table.
func (s *Service) Plugins() *plugins.Table {
	return s.engine.Table()
}

// Quarantined returns up to limit quarantined runs, newest first.
func (s *Service) Quarantined(limit int) ([]archive.Record, error) {
	return s.archive.ListQuarantined(limit)
}

// Run returns an archived run.
func (s *Service) Run(id string) (*archive.Record, error) {
	return s.archive.Get(id)
}

// Health summarizes the service state.
type Health struct {
	Status            string   `json:"status"`
	Version           string   `json:"version"`
	Pipeline          string   `json:"pipeline"`
	Stages            []string `json:"stages"`
	PatternGeneration uint64   `json:"pattern_generation"`
	Patterns          int      `json:"patterns"`
	Plugins           int      `json:"plugins"`
	Provider          string   `json:"provider"`
	PrivacyMode       string   `json:"privacy_mode"`
	SsrfRejections    int64    `json:"ssrf_rejections"`
	InFlight          int64    `json:"in_flight"`
}

// ProviderStatus is the result of a provider reachability check.
type ProviderStatus struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
	// ModelAvailable reports whether the configured model is listed.
	ModelAvailable bool `json:"model_available"`
}

// ProviderStatus lists the provider's models through the outbound funnel,
// in the light rate-limit class.
func (s *Service) ProviderStatus(ctx context.Context) (ProviderStatus, error) {
	ctx, span := tracer.Start(ctx, "doctor.ProviderStatus")
	defer span.End()

	models, err := s.provider.Models(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return ProviderStatus{}, err
	}
	status := ProviderStatus{Provider: s.provider.Name(), Models: models}
	for _, m := range models {
		if m == s.cfg.Provider.Model || strings.TrimSuffix(m, ":latest") == s.cfg.Provider.Model {
			status.ModelAvailable = true
			break
		}
	}
	return status, nil
}

// Health returns the current service summary.
func (s *Service) Health() Health {
	snap := s.store.Snapshot()
	p := s.orch.Pipeline()
	return Health{
		Status:            "ok",
		Version:           Version,
		Pipeline:          p.Name(),
		Stages:            p.StageNames(),
		PatternGeneration: snap.Generation,
		Patterns:          snap.Len(),
		Plugins:           len(s.engine.Matchers()),
		Provider:          s.provider.Name(),
		PrivacyMode:       s.cfg.Privacy.Mode,
		SsrfRejections:    s.funnel.Rejections(),
		InFlight:          s.client.Concurrency().InFlight(),
	}
}
