// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/resilience"
)

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// ollamaClient speaks the Ollama /api/chat protocol.
type ollamaClient struct {
	doer    Doer
	client  *resilience.Client
	baseURL string
	model   string
	logger  *slog.Logger
}

func newOllama(cfg config.ProviderConfig, doer Doer, client *resilience.Client, logger *slog.Logger) *ollamaClient {
	return &ollamaClient{
		doer:    keyedDoer{next: doer},
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		logger:  logger,
	}
}

func (o *ollamaClient) Name() string { return KindOllama + ":" + o.model }

// Complete implements Provider.
func (o *ollamaClient) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, span := tracer.Start(ctx, "ollama.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.num_messages", len(messages)))

	var reply string
	err := o.client.Do(ctx, resilience.ClassCore, func(ctx context.Context) error {
		resp, err := o.post(ctx, messages, false)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var out ollamaChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return &resilience.ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode chat response: %w", err)}
		}
		if out.Error != "" {
			return &resilience.ProviderError{StatusCode: http.StatusInternalServerError, Message: out.Error}
		}
		reply = out.Message.Content
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if reply == "" {
		return "", ErrEmptyResponse
	}
	return reply, nil
}

// Stream implements Provider. The response is NDJSON, one object per line.
func (o *ollamaClient) Stream(ctx context.Context, messages []Message, onChunk func(string) error) error {
	ctx, span := tracer.Start(ctx, "ollama.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	err := o.client.Stream(ctx, resilience.ClassCore, func(ctx context.Context, emit func(string) error) error {
		resp, err := o.post(ctx, messages, true)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev ollamaChatResponse
			if err := json.Unmarshal(line, &ev); err != nil {
				return &resilience.ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode stream line: %w", err)}
			}
			if ev.Error != "" {
				return &resilience.ProviderError{StatusCode: http.StatusInternalServerError, Message: ev.Error}
			}
			if ev.Message.Content != "" {
				if err := emit(ev.Message.Content); err != nil {
					return err
				}
			}
			if ev.Done {
				return nil
			}
		}
		if err := scanner.Err(); err != nil {
			return &resilience.ProviderError{Err: err}
		}
		return &resilience.ProviderError{Err: fmt.Errorf("stream ended before done")}
	}, onChunk)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Models implements Provider using /api/tags.
func (o *ollamaClient) Models(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "ollama.Models")
	defer span.End()

	var names []string
	err := o.client.Do(ctx, resilience.ClassLight, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
		if err != nil {
			return fmt.Errorf("create tags request: %w", err)
		}
		resp, err := o.doer.Do(req)
		if err != nil {
			return transportError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}

		var out ollamaTagsResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return &resilience.ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode tags response: %w", err)}
		}
		names = names[:0]
		for _, m := range out.Models {
			names = append(names, m.Name)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return names, nil
}

func (o *ollamaClient) post(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
		Options:  map[string]any{"temperature": 0.2},
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "application/x-ndjson")
	}

	resp, err := o.doer.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		err := statusError(resp)
		o.logger.Warn("ollama chat returned an error", slog.Int("status_code", resp.StatusCode))
		return nil, err
	}
	return resp, nil
}
