// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/errors"
	"github.com/stacklok/modelbridge/pkg/redact"
)

// defaultHTTPTimeout bounds token endpoint round trips.
const defaultHTTPTimeout = 30 * time.Second

// Resolver discovers credentials from the configured chain of sources.
type Resolver struct {
	cfg    config.AuthConfig
	cache  *TokenCache
	client *http.Client

	// getenv and now are injection points for tests.
	getenv func(string) string
	now    func() time.Time
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithEnv overrides environment variable lookup.
func WithEnv(getenv func(string) string) Option {
	return func(r *Resolver) { r.getenv = getenv }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver over the given auth configuration.
func NewResolver(cfg config.AuthConfig, opts ...Option) *Resolver {
	r := &Resolver{
		cfg:    cfg,
		cache:  NewTokenCache(),
		client: &http.Client{Timeout: defaultHTTPTimeout},
		getenv: os.Getenv,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve produces a credential according to mode. In auto mode OAuth is
// attempted first and API-key resolution is the fallback; when both fail
// the error carries both (redacted) failure messages.
func (r *Resolver) Resolve(ctx context.Context, mode config.AuthMode) (Credential, error) {
	var oauthErr error

	if mode != config.AuthModeAPIKeyOnly {
		cred, err := r.resolveOAuth(ctx)
		if err == nil {
			return cred, nil
		}
		if mode == config.AuthModeOAuthOnly {
			return Credential{}, err
		}
		oauthErr = err
	}

	cred, keyErr := r.ResolveAPIKey()
	if keyErr == nil {
		return cred, nil
	}
	if mode == config.AuthModeAPIKeyOnly {
		return Credential{}, keyErr
	}

	msg := fmt.Sprintf("no usable credentials: oauth: %s; api key: %s",
		redact.String(oauthErr.Error()), redact.String(keyErr.Error()))
	return Credential{}, errors.NewMissingCredentialsError(msg, keyErr)
}

// ResolveAPIKey searches the API key chain: inline config value, primary
// env var, alternate env var, first existing key file, then the file named
// by the key-file env var. The first non-empty value wins.
func (r *Resolver) ResolveAPIKey() (Credential, error) {
	if key := strings.TrimSpace(r.cfg.InlineAPIKey); key != "" {
		return Credential{Kind: KindAPIKey, APIKey: key, Source: SourceConfig}, nil
	}

	if key := strings.TrimSpace(r.getenv(r.cfg.PrimaryEnvVar)); key != "" {
		return Credential{Kind: KindAPIKey, APIKey: key, Source: SourceEnvPrimary}, nil
	}

	if key := strings.TrimSpace(r.getenv(r.cfg.AltEnvVar)); key != "" {
		return Credential{Kind: KindAPIKey, APIKey: key, Source: SourceEnvAlt}, nil
	}

	for _, path := range r.cfg.KeyFilePaths {
		cred, err, found := r.readKeyFile(path)
		if found {
			return cred, err
		}
	}

	if path := strings.TrimSpace(r.getenv(r.cfg.KeyFileEnvVar)); path != "" {
		cred, err, found := r.readKeyFile(path)
		if found {
			return cred, err
		}
	}

	return Credential{}, errors.NewMissingCredentialsError(
		fmt.Sprintf("no API key found (checked config, $%s, $%s, and key files)",
			r.cfg.PrimaryEnvVar, r.cfg.AltEnvVar), nil)
}

// readKeyFile reads path and reports whether the file existed. An existing
// file whose trimmed content is empty is an EmptyKeyFile error.
func (r *Resolver) readKeyFile(path string) (Credential, error, bool) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Credential{}, nil, false
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return Credential{}, errors.NewEmptyKeyFileError(path), true
	}
	return Credential{Kind: KindAPIKey, APIKey: key, Source: SourceFile}, nil, true
}

// adcPath locates the application default credentials file: the env
// override first, then the platform default under the user config dir.
func (r *Resolver) adcPath() (string, error) {
	if path := strings.TrimSpace(r.getenv(r.cfg.ADCPathEnvVar)); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "gcloud", "application_default_credentials.json"), nil
}
