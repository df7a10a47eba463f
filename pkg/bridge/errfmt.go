// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"net/http"

	"github.com/stacklok/modelbridge/pkg/errors"
	"github.com/stacklok/modelbridge/pkg/logger"
	"github.com/stacklok/modelbridge/pkg/redact"
)

// maxToolErrorLen caps the message portion of a tool error.
const maxToolErrorLen = 512

// formatToolError translates a structured error into a caller-safe
// message: redacted, clipped, with one actionable hint per kind. Anything
// outside the taxonomy collapses to "Unexpected error" and is logged in
// full server-side.
func formatToolError(err error) string {
	e, ok := errors.As(err)
	if !ok {
		logger.Errorf("Unexpected tool error: %v", err)
		return "Unexpected error"
	}

	message := redact.String(e.Message)
	if len(message) > maxToolErrorLen {
		message = message[:maxToolErrorLen] + "..."
	}

	switch e.Type {
	case errors.ErrConfig:
		return "Configuration error: " + message

	case errors.ErrMissingCredentials, errors.ErrEmptyKeyFile, errors.ErrUnsupportedCredentialType:
		return message + "\nHint: set GEMINI_API_KEY, or run `gcloud auth application-default login`."

	case errors.ErrTokenExchange:
		return message + "\nHint: re-authenticate with `gcloud auth application-default login`."

	case errors.ErrRateLimitExceeded:
		return message + " Wait a minute and retry."

	case errors.ErrBudgetExceeded:
		return message + "\nHint: raise MBRIDGE_MAX_TOKENS_PER_DAY, or approve more tokens with `mbridge approve-budget`."

	case errors.ErrBudgetApprovalRequired:
		increment := e.Detail["increment"]
		return message + fmt.Sprintf("\nHint: run `mbridge approve-budget --tokens %d` to lift today's ceiling.", increment)

	case errors.ErrAPIKeyFallbackPrompt:
		return message + "\nHint: set MBRIDGE_AUTH_FALLBACK_POLICY=auto to allow the API-key fallback."

	case errors.ErrAPI:
		return formatAPIError(e, message)

	case errors.ErrCancelled:
		return "Request cancelled."

	default:
		logger.Errorf("Unexpected tool error: %v", err)
		return "Unexpected error"
	}
}

// formatAPIError routes upstream statuses to the matching guidance.
func formatAPIError(e *errors.Error, message string) string {
	prefix := "Gemini API error"
	if e.Status > 0 {
		prefix = fmt.Sprintf("Gemini API error (HTTP %d)", e.Status)
	}
	out := prefix + ": " + message

	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		out += "\nHint: the credential was rejected; check its scopes or re-authenticate."
	case e.Status == http.StatusPaymentRequired || e.Status == http.StatusTooManyRequests:
		out += "\nHint: the project is out of quota or credits; check billing or retry later."
	case e.Status >= 500:
		out += "\nHint: the upstream service is having trouble; retry later."
	}
	return out
}
