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
	"errors"
	"fmt"
)

var (
	// ErrSsrfRejected is wrapped by every destination rejection.
	ErrSsrfRejected = errors.New("outbound destination rejected")

	// ErrBodyTooLarge is returned when a request body exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("outbound body too large")
)

// Rejection reasons, used as the metric label.
const (
	ReasonInvalidURL   = "invalid_url"
	ReasonScheme       = "scheme"
	ReasonUserinfo     = "userinfo"
	ReasonPort         = "port"
	ReasonDeniedPort   = "denied_port"
	ReasonMetadataHost = "metadata_host"
	ReasonAmbiguousIP  = "ambiguous_ip"
	ReasonResolve      = "resolve"
	ReasonBlockedAddr  = "blocked_address"
)

// SsrfRejectedError describes why a destination was refused.
type SsrfRejectedError struct {
	Host   string
	Reason string
	Detail string
}

func (e *SsrfRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %s (%s)", ErrSsrfRejected, e.Host, e.Reason)
	}
	return fmt.Sprintf("%v: %s (%s: %s)", ErrSsrfRejected, e.Host, e.Reason, e.Detail)
}

func (e *SsrfRejectedError) Unwrap() error {
	return ErrSsrfRejected
}
