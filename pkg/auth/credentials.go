// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth resolves Gemini API credentials from a chain of sources:
// inline configuration, environment variables, API key files, and Google
// application-default-credentials files (authorized_user and
// service_account flavors). OAuth tokens are cached until close to expiry.
package auth

import (
	"time"
)

// Kind discriminates the two credential variants.
type Kind string

const (
	// KindAPIKey is a static Gemini API key sent in the x-goog-api-key header.
	KindAPIKey Kind = "api_key"
	// KindOAuth is a short-lived bearer token sent in the Authorization header.
	KindOAuth Kind = "oauth"
)

// Source records where a credential was found.
type Source string

const (
	// SourceConfig is an API key supplied inline in configuration.
	SourceConfig Source = "config"
	// SourceEnvPrimary is an API key from the primary environment variable.
	SourceEnvPrimary Source = "env_primary"
	// SourceEnvAlt is an API key from the alternate environment variable.
	SourceEnvAlt Source = "env_alt"
	// SourceFile is an API key read from a key file.
	SourceFile Source = "file"
	// SourceEnvToken is a bearer token passed directly via the environment.
	SourceEnvToken Source = "env_token"
	// SourceAuthorizedUser is a bearer token minted from authorized_user ADC.
	SourceAuthorizedUser Source = "authorized_user"
	// SourceServiceAccount is a bearer token minted from service_account ADC.
	SourceServiceAccount Source = "service_account"
)

// Credential is the tagged result of a resolution. Exactly one of APIKey or
// AccessToken is populated, according to Kind. Values are never logged
// verbatim; callers go through pkg/redact.
type Credential struct {
	Kind        Kind
	APIKey      string
	AccessToken string
	Source      Source
}

// CachedToken is one cache entry for a minted OAuth token. A nil ExpiresAt
// means the token is treated as long-lived.
type CachedToken struct {
	AccessToken string
	ExpiresAt   *time.Time
	Source      Source
}

// expirySkew keeps a safety margin so a token is never used within a
// minute of expiring.
const expirySkew = 60 * time.Second

// Fresh reports whether the token is still usable at the given time.
func (t CachedToken) Fresh(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt == nil {
		return true
	}
	return t.ExpiresAt.Sub(now) > expirySkew
}
