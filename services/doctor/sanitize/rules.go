// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sanitize

import (
	"errors"
	"regexp"
)

// ErrUnknownLevel is returned by ParseLevel for unrecognized names.
var ErrUnknownLevel = errors.New("unknown sanitization level")

// Redaction categories reported in Result.Redactions.
const (
	CategoryHomePath   = "home_path"
	CategoryEmail      = "email"
	CategoryPrivateIP  = "private_ip"
	CategoryAPIKey     = "api_key"
	CategorySecret     = "secret_assignment"
	CategoryStackFrame = "stack_frame"
	CategoryPath       = "path"
)

// Replacement tokens. None of them can be matched by any rule: secret values
// never start with '[', and no other rule accepts brackets.
const (
	tokenEmail     = "[EMAIL]"
	tokenPrivateIP = "[PRIVATE_IP]"
	tokenAPIKey    = "[API_KEY]"
	tokenRedacted  = "[REDACTED]"
	frameMarker    = "[stack trace removed: %d frames]"
)

// boundary is the set of characters that may precede a path. Requiring it
// keeps URL paths such as https://host/a/b out of the path rules.
const boundary = `(^|[\s"'(=,\[])`

type rule struct {
	category    string
	re          *regexp.Regexp
	replacement string
}

// Order matters: e-mail addresses are removed before the secret rules so
// that user@host is never half-redacted.
var basicRules = []rule{
	{CategoryHomePath, regexp.MustCompile(boundary + `(?:/home|/Users)/[^/\s"',;:()\[\]]+`), "${1}~"},
	{CategoryHomePath, regexp.MustCompile(boundary + `/root/`), "${1}~/"},
	{CategoryHomePath, regexp.MustCompile(boundary + `(?i:[a-z]:\\(?:Users|Documents and Settings))\\[^\\\s"',;:()\[\]]+`), "${1}~"},
	{CategoryEmail, regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), tokenEmail},
	{CategoryAPIKey, regexp.MustCompile(`\bsk-(?:proj-|ant-)?[A-Za-z0-9_\-]{16,}`), tokenAPIKey},
	{CategoryAPIKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), tokenAPIKey},
	{CategoryAPIKey, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`), tokenAPIKey},
	{CategoryAPIKey, regexp.MustCompile(`\bhf_[A-Za-z0-9]{20,}`), tokenAPIKey},
	{CategoryAPIKey, regexp.MustCompile(`\bxox[abporst]-[A-Za-z0-9\-]{10,}`), tokenAPIKey},
	{CategoryAPIKey, regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}`), tokenAPIKey},
	{CategoryAPIKey, regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._\-~+/]{16,}=*`), "${1} " + tokenAPIKey},
	{CategorySecret, regexp.MustCompile(`(?i)\b((?:api[_-]?key|access[_-]?token|auth[_-]?token|secret(?:[_-]?key)?|password|passwd|token)["']?\s*[:=]\s*["']?)([^\s"',;\[][^\s"',;]{3,})`), "${1}" + tokenRedacted},
	{CategoryPrivateIP, regexp.MustCompile(`\b(?:10\.\d{1,3}\.\d{1,3}\.\d{1,3}|172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3}|127\.\d{1,3}\.\d{1,3}\.\d{1,3}|169\.254\.\d{1,3}\.\d{1,3})\b`), tokenPrivateIP},
	{CategoryPrivateIP, regexp.MustCompile(`(?i)\b(?:fe80|f[cd][0-9a-f]{2})::?[0-9a-f:]*[0-9a-f]`), tokenPrivateIP},
}

// strictRules run after basicRules, so ~ is the only home form left.
var strictRules = []rule{
	{CategoryPath, regexp.MustCompile(boundary + `(?:[A-Za-z]:\\|~[/\\]|/)(?:[^\s"'/\\:,;()\[\]]+[/\\])*([^\s"'/\\:,;()\[\]]+)`), "${1}${2}"},
}

var (
	tracebackHeader = regexp.MustCompile(`^\s*Traceback \(most recent call last\):\s*$`)
	frameLine       = regexp.MustCompile(`^\s+(?:File ".*", line \d+|at \S.*(?:\(.*:\d+(?::\d+)?\)|:\d+(?::\d+)?)\s*$)`)
)
