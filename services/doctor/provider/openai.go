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
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/resilience"
)

// openAIClient talks to any OpenAI-compatible chat completions endpoint.
type openAIClient struct {
	api    *openai.Client
	client *resilience.Client
	model  string
	logger *slog.Logger
}

func newOpenAI(cfg config.ProviderConfig, doer Doer, client *resilience.Client, logger *slog.Logger) *openAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = keyedDoer{next: doer}
	return &openAIClient{
		api:    openai.NewClientWithConfig(oc),
		client: client,
		model:  cfg.Model,
		logger: logger,
	}
}

func (o *openAIClient) Name() string { return KindOpenAI + ":" + o.model }

func (o *openAIClient) request(messages []Message, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: 0.2,
		Stream:      stream,
	}
}

// Complete implements Provider.
func (o *openAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, span := tracer.Start(ctx, "openai.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.num_messages", len(messages)))

	var reply string
	err := o.client.Do(ctx, resilience.ClassCore, func(ctx context.Context) error {
		ctx, hint := withHint(ctx)
		resp, err := o.api.CreateChatCompletion(ctx, o.request(messages, false))
		if err != nil {
			return mapOpenAIError(err, hint)
		}
		if len(resp.Choices) == 0 {
			return ErrEmptyResponse
		}
		o.logger.Debug("received completion", slog.String("finish_reason", string(resp.Choices[0].FinishReason)))
		reply = resp.Choices[0].Message.Content
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

// Stream implements Provider.
func (o *openAIClient) Stream(ctx context.Context, messages []Message, onChunk func(string) error) error {
	ctx, span := tracer.Start(ctx, "openai.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	err := o.client.Stream(ctx, resilience.ClassCore, func(ctx context.Context, emit func(string) error) error {
		ctx, hint := withHint(ctx)
		stream, err := o.api.CreateChatCompletionStream(ctx, o.request(messages, true))
		if err != nil {
			return mapOpenAIError(err, hint)
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return mapOpenAIError(err, hint)
			}
			for _, c := range resp.Choices {
				if c.Delta.Content == "" {
					continue
				}
				if err := emit(c.Delta.Content); err != nil {
					return err
				}
			}
		}
	}, onChunk)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Models implements Provider.
func (o *openAIClient) Models(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "openai.Models")
	defer span.End()

	var ids []string
	err := o.client.Do(ctx, resilience.ClassLight, func(ctx context.Context) error {
		ctx, hint := withHint(ctx)
		list, err := o.api.ListModels(ctx)
		if err != nil {
			return mapOpenAIError(err, hint)
		}
		ids = ids[:0]
		for _, m := range list.Models {
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return ids, nil
}

// mapOpenAIError converts go-openai errors into ProviderError so the retry
// policy can classify them.
func mapOpenAIError(err error, hint *retryHint) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &resilience.ProviderError{
			StatusCode: apiErr.HTTPStatusCode,
			RetryAfter: hint.after,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &resilience.ProviderError{
			StatusCode: reqErr.HTTPStatusCode,
			RetryAfter: hint.after,
			Err:        err,
		}
	}
	if errors.Is(err, ErrEmptyResponse) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return transportError(err)
}
