// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package outbound

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/sanitize"
)

// SanitizeJSON encodes payload as JSON with every string value sanitized at
// level. A []byte or json.RawMessage payload is taken as already encoded.
func SanitizeJSON(payload any, level sanitize.Level) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode outbound payload: %w", err)
		}
		raw = b
	}
	return walkJSON(raw, level)
}

// sanitizeBody sanitizes a request body. Non-JSON bodies are sanitized as
// plain text.
func sanitizeBody(raw []byte, level sanitize.Level) ([]byte, error) {
	if !json.Valid(raw) {
		return []byte(sanitize.Sanitize(string(raw), level)), nil
	}
	return walkJSON(raw, level)
}

func walkJSON(raw []byte, level sanitize.Level) ([]byte, error) {
	if level == sanitize.LevelNone {
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode outbound payload: %w", err)
	}
	out, err := json.Marshal(scrubValue(v, level))
	if err != nil {
		return nil, fmt.Errorf("encode outbound payload: %w", err)
	}
	return out, nil
}

func scrubValue(v any, level sanitize.Level) any {
	switch t := v.(type) {
	case string:
		return sanitize.Sanitize(t, level)
	case map[string]any:
		for k, val := range t {
			t[k] = scrubValue(val, level)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = scrubValue(val, level)
		}
		return t
	default:
		return v
	}
}
