// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provider talks to the model that turns a payload into a
// diagnosis. All traffic goes through a Doer, which in production is the
// outbound funnel, and every call is wrapped by a resilience.Client.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/outbound"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/resilience"
)

var tracer = otel.Tracer("aleutian.doctor.provider")

// Kinds of provider.
const (
	KindOpenAI = "openai"
	KindOllama = "ollama"
)

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("provider returned no content")

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Doer sends HTTP requests. *outbound.Funnel satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider completes chat conversations.
type Provider interface {
	Name() string

	// Complete returns the whole reply.
	Complete(ctx context.Context, messages []Message) (string, error)

	// Stream passes reply chunks to onChunk as they arrive.
	Stream(ctx context.Context, messages []Message, onChunk func(chunk string) error) error

	// Models lists the models served by the endpoint. It runs in the light
	// rate-limit class and doubles as a reachability check.
	Models(ctx context.Context) ([]string, error)
}

// New creates the provider named by cfg.Kind.
func New(cfg config.ProviderConfig, doer Doer, client *resilience.Client, logger *slog.Logger) (Provider, error) {
	if doer == nil {
		return nil, errors.New("provider: doer is required")
	}
	if client == nil {
		return nil, errors.New("provider: resilience client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "provider"), slog.String("kind", cfg.Kind))

	switch cfg.Kind {
	case KindOpenAI:
		return newOpenAI(cfg, doer, client, logger), nil
	case KindOllama:
		return newOllama(cfg, doer, client, logger), nil
	default:
		return nil, fmt.Errorf("provider: unknown kind %q", cfg.Kind)
	}
}

// keyedDoer stamps the idempotency key of the logical call on every request
// and records Retry-After hints for error mapping.
type keyedDoer struct {
	next Doer
}

type hintKey struct{}

type retryHint struct {
	after time.Duration
}

func withHint(ctx context.Context) (context.Context, *retryHint) {
	h := &retryHint{}
	return context.WithValue(ctx, hintKey{}, h), h
}

func (d keyedDoer) Do(req *http.Request) (*http.Response, error) {
	if key, ok := resilience.IdempotencyKey(req.Context()); ok {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := d.next.Do(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if h, ok := req.Context().Value(hintKey{}).(*retryHint); ok {
		h.after = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return resp, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// transportError maps a failed round trip. Funnel rejections pass through
// unchanged so they are never retried.
func transportError(err error) error {
	if errors.Is(err, outbound.ErrSsrfRejected) || errors.Is(err, outbound.ErrBodyTooLarge) {
		return err
	}
	return &resilience.ProviderError{Err: err}
}

// statusError builds a ProviderError from a non-2xx response.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &resilience.ProviderError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Message:    strings.TrimSpace(string(body)),
	}
}
