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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
)

// SystemPrompt frames every diagnosis conversation.
const SystemPrompt = "You diagnose failed runs of a node-based image generation workflow. " +
	"The user message holds a JSON error report. Explain the likely cause and give concrete fixes."

// ErrNoPayload is returned by Messages for a nil payload.
var ErrNoPayload = errors.New("no payload")

// Messages builds the conversation for payload. question is optional.
func Messages(payload *datatypes.LLMPayload, question string) ([]Message, error) {
	if payload == nil {
		return nil, ErrNoPayload
	}
	report, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var b strings.Builder
	b.WriteString("Error report:\n```json\n")
	b.Write(report)
	b.WriteString("\n```\n")
	if q := strings.TrimSpace(question); q != "" {
		b.WriteString("\nQuestion: ")
		b.WriteString(q)
		b.WriteString("\n")
	}
	return []Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: b.String()},
	}, nil
}
