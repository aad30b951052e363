// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the doctor's OpenTelemetry instruments.
type Metrics struct {
	// --- HTTP ---

	// HTTPRequestsTotal counts API requests by method, route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records API request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// --- Pipeline ---

	// RunDuration records pipeline run duration in seconds.
	RunDuration metric.Float64Histogram

	// PayloadTokens records the estimated token count of built payloads.
	PayloadTokens metric.Int64Histogram

	// --- Diagnosis ---

	// DiagnosesTotal counts model calls by provider kind and outcome.
	DiagnosesTotal metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"doctor_http_requests_total",
		metric.WithDescription("Total API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"doctor_http_request_duration_seconds",
		metric.WithDescription("API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.RunDuration, err = meter.Float64Histogram(
		"doctor_pipeline_run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create pipeline_run_duration: %w", err)
	}

	m.PayloadTokens, err = meter.Int64Histogram(
		"doctor_payload_tokens",
		metric.WithDescription("Estimated tokens of built payloads"),
		metric.WithUnit("{token}"),
		metric.WithExplicitBucketBoundaries(250, 500, 1000, 2000, 3000, 4000, 8000, 12000, 16000),
	)
	if err != nil {
		return nil, fmt.Errorf("create payload_tokens: %w", err)
	}

	m.DiagnosesTotal, err = meter.Int64Counter(
		"doctor_diagnoses_total",
		metric.WithDescription("Total model calls by provider and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create diagnoses_total: %w", err)
	}

	return m, nil
}

// RecordRun records the duration and payload size of one finished run.
// Run counts come from the orchestrator.
func (m *Metrics) RecordRun(ctx context.Context, status string, seconds float64, tokens int) {
	if m == nil {
		return
	}
	m.RunDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
	if tokens > 0 {
		m.PayloadTokens.Record(ctx, int64(tokens))
	}
}

// RecordDiagnosis records one model call.
func (m *Metrics) RecordDiagnosis(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.DiagnosesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}
