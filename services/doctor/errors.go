// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doctor

import (
	"context"
	"errors"
	"net/http"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/archive"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/budget"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/outbound"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/provider"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/resilience"
)

var (
	// ErrQuarantined is returned by Diagnose for a run that failed the
	// metadata contract. Its payload is never sent.
	ErrQuarantined = errors.New("run quarantined")

	// ErrNotReady is returned by Diagnose for a run without a sendable
	// payload.
	ErrNotReady = errors.New("run not ready for diagnosis")
)

// Error codes returned by the API.
const (
	CodeInvalidEvent   = "invalid_event"
	CodeTooLarge       = "payload_too_large"
	CodeSsrfRejected   = "ssrf_rejected"
	CodeRateLimited    = "rate_limited"
	CodeQuarantined    = "quarantined"
	CodeBudgetExceeded = "budget_exceeded"
	CodeNotReady       = "not_ready"
	CodeProviderError  = "provider_error"
	CodeNotFound       = "not_found"
	CodeTimeout        = "timeout"
	CodeInternal       = "internal"
)

// classify maps an error to an HTTP status and API error code.
func classify(err error) (int, string) {
	var (
		provErr  *resilience.ProviderError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, CodeTooLarge
	case errors.Is(err, datatypes.ErrInvalidEvent):
		return http.StatusBadRequest, CodeInvalidEvent
	case errors.Is(err, outbound.ErrSsrfRejected):
		return http.StatusBadGateway, CodeSsrfRejected
	case errors.Is(err, resilience.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, ErrQuarantined):
		return http.StatusUnprocessableEntity, CodeQuarantined
	case errors.Is(err, budget.ErrBudgetExceeded):
		return http.StatusUnprocessableEntity, CodeBudgetExceeded
	case errors.Is(err, ErrNotReady):
		return http.StatusUnprocessableEntity, CodeNotReady
	case errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.As(err, &provErr),
		errors.Is(err, resilience.ErrStreamInterrupted),
		errors.Is(err, provider.ErrEmptyResponse),
		errors.Is(err, outbound.ErrBodyTooLarge):
		return http.StatusBadGateway, CodeProviderError
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
