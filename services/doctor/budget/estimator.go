// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates the number of model tokens in a text.
type Estimator interface {
	Estimate(text string) int
	Name() string
}

// HeuristicEstimator estimates tokens without a tokenizer.
//
// It takes the larger of a word based estimate (about 4 tokens per 3 words)
// and a character based one (about 4 characters per token), which tracks
// BPE tokenizers closely on both prose and code.
type HeuristicEstimator struct{}

// Estimate implements Estimator.
func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := utf8.RuneCountInString(text)
	byWords := (words*4 + 2) / 3
	byChars := (chars + 3) / 4
	if byWords > byChars {
		return byWords
	}
	return byChars
}

// Name implements Estimator.
func (HeuristicEstimator) Name() string { return "heuristic" }

// TiktokenEstimator counts tokens with a BPE encoding.
//
// The encoding is loaded lazily on first use. Loading may need network
// access for the rank file; when it fails the estimator permanently falls
// back to the heuristic and logs once.
type TiktokenEstimator struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback HeuristicEstimator
	logger   *slog.Logger
}

// NewTiktokenEstimator returns an estimator for the named encoding,
// e.g. "cl100k_base".
func NewTiktokenEstimator(encoding string, logger *slog.Logger) *TiktokenEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TiktokenEstimator{encoding: encoding, logger: logger}
}

// Estimate implements Estimator.
func (e *TiktokenEstimator) Estimate(text string) int {
	e.once.Do(e.load)
	if e.enc == nil {
		return e.fallback.Estimate(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Name implements Estimator.
func (e *TiktokenEstimator) Name() string {
	e.once.Do(e.load)
	if e.enc == nil {
		return e.fallback.Name()
	}
	return "tiktoken:" + e.encoding
}

func (e *TiktokenEstimator) load() {
	enc, err := tiktoken.GetEncoding(e.encoding)
	if err != nil {
		e.logger.Warn("tiktoken unavailable, using heuristic estimator",
			slog.String("encoding", e.encoding),
			slog.String("error", err.Error()))
		return
	}
	e.enc = enc
}

// NewEstimator returns the estimator named by configuration.
func NewEstimator(name string, logger *slog.Logger) Estimator {
	if name == "tiktoken" {
		return NewTiktokenEstimator("cl100k_base", logger)
	}
	return HeuristicEstimator{}
}
