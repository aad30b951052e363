// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sanitize scrubs personally identifying and secret material from
// crash text before it leaves the process.
//
// Three levels are supported:
//
//   - none: no-op
//   - basic: home directories, e-mail addresses, private IPs and API-key
//     shaped tokens are redacted
//   - strict: basic, plus stack frames are removed and absolute paths are
//     collapsed to their base name
//
// Every level is pure and idempotent: Sanitize(Sanitize(x, l), l) equals
// Sanitize(x, l).
package sanitize

import (
	"fmt"
	"strings"
)

// Level is a sanitization strictness. Levels are ordered none < basic < strict.
type Level int

const (
	// LevelNone leaves text untouched.
	LevelNone Level = iota

	// LevelBasic redacts identifying data and secrets.
	LevelBasic

	// LevelStrict additionally removes stack frames and directory structure.
	LevelStrict
)

// String returns the configuration name of the level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelBasic:
		return "basic"
	case LevelStrict:
		return "strict"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts "none", "basic" or "strict" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return LevelNone, nil
	case "basic", "":
		return LevelBasic, nil
	case "strict":
		return LevelStrict, nil
	default:
		return LevelBasic, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// Max returns the stricter of two levels.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// Result is the outcome of Scrub.
type Result struct {
	// Text is the sanitized text.
	Text string `json:"text"`

	// Level is the level that was applied.
	Level Level `json:"level"`

	// Redactions counts replacements per category.
	Redactions map[string]int `json:"redactions,omitempty"`
}

// Total returns the number of redactions across all categories.
func (r Result) Total() int {
	n := 0
	for _, c := range r.Redactions {
		n += c
	}
	return n
}

// Sanitize returns text scrubbed at the given level.
func Sanitize(text string, level Level) string {
	return Scrub(text, level).Text
}

// Scrub sanitizes text and reports what was redacted.
//
// Description:
//
//	One pass runs frame removal (strict only), then the basic rules, then
//	path collapsing (strict only). Home directories are therefore
//	rewritten to ~ before any directory structure is dropped, so a user
//	name is never left behind as a base name.
//
//	A replacement can expose new matches: "fe80::1sk-..." only has a word
//	boundary before "sk-" once the address is redacted, and collapsing
//	"/opt/at x.py:3" leaves the frame line "at x.py:3". Passes are
//	therefore repeated until one changes nothing.
//
// Inputs:
//
//	text  - Arbitrary crash or log text.
//	level - Strictness. Unknown levels are treated as strict.
//
// Outputs:
//
//	Result - Sanitized text and redaction counts.
//
// Thread Safety:
//
//	Safe for concurrent use. All compiled patterns are read-only.
func Scrub(text string, level Level) Result {
	res := Result{Text: text, Level: level}
	if level == LevelNone || text == "" {
		return res
	}

	counts := make(map[string]int)
	text = scrubPass(text, level, counts)
	for range maxPasses - 1 {
		pass := make(map[string]int)
		next := scrubPass(text, level, pass)
		if next == text {
			break
		}
		for k, v := range pass {
			counts[k] += v
		}
		text = next
	}

	res.Text = text
	if len(counts) > 0 {
		res.Redactions = counts
	}
	return res
}

// maxPasses bounds Scrub. Every pass that changes the text replaces a
// match with a token no rule accepts, or drops lines or directories, so
// real input settles within two or three passes.
const maxPasses = 8

func scrubPass(text string, level Level, counts map[string]int) string {
	if level >= LevelStrict {
		var frames int
		text, frames = removeStackFrames(text)
		if frames > 0 {
			counts[CategoryStackFrame] += frames
		}
	}
	text = applyRules(text, basicRules, counts)
	if level >= LevelStrict {
		text = applyRules(text, strictRules, counts)
	}
	return text
}

func applyRules(text string, rules []rule, counts map[string]int) string {
	for _, r := range rules {
		n := len(r.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		text = r.re.ReplaceAllString(text, r.replacement)
		counts[r.category] += n
	}
	return text
}

// removeStackFrames drops traceback headers, frame lines and the source
// lines that follow them. Each contiguous removed block is replaced by a
// single marker line carrying the frame count.
func removeStackFrames(text string) (string, int) {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	total := 0
	blockFrames := 0
	inBlock := false
	inFrame := false

	flush := func() {
		if inBlock {
			out = append(out, fmt.Sprintf(frameMarker, blockFrames))
		}
		inBlock = false
		inFrame = false
		blockFrames = 0
	}

	for _, line := range lines {
		switch {
		case tracebackHeader.MatchString(line):
			inBlock = true
			inFrame = false
		case frameLine.MatchString(line):
			inBlock = true
			inFrame = true
			blockFrames++
			total++
		case inFrame && isIndented(line):
			// Source excerpt or caret marker belonging to the previous frame.
		default:
			flush()
			out = append(out, line)
		}
	}
	flush()

	return strings.Join(out, "\n"), total
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}
