// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/errors"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Mode:                config.AuthModeAuto,
		PrimaryEnvVar:       "TEST_API_KEY",
		AltEnvVar:           "TEST_API_KEY_ALT",
		KeyFileEnvVar:       "TEST_API_KEY_FILE",
		OAuthTokenEnvVar:    "TEST_OAUTH_TOKEN",
		OAuthTokenAltEnvVar: "TEST_OAUTH_TOKEN_ALT",
		ADCPathEnvVar:       "TEST_ADC_PATH",
		OAuthScopes:         []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
}

func envFrom(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestResolveAPIKeyChain(t *testing.T) {
	t.Parallel()

	keyFile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("file-key\n"), 0600))

	tests := []struct {
		name       string
		cfg        func(config.AuthConfig) config.AuthConfig
		env        map[string]string
		wantKey    string
		wantSource Source
	}{
		{
			name:       "inline config wins",
			cfg:        func(c config.AuthConfig) config.AuthConfig { c.InlineAPIKey = "inline"; return c },
			env:        map[string]string{"TEST_API_KEY": "primary"},
			wantKey:    "inline",
			wantSource: SourceConfig,
		},
		{
			name:       "primary env",
			cfg:        func(c config.AuthConfig) config.AuthConfig { return c },
			env:        map[string]string{"TEST_API_KEY": "primary", "TEST_API_KEY_ALT": "alt"},
			wantKey:    "primary",
			wantSource: SourceEnvPrimary,
		},
		{
			name:       "alternate env",
			cfg:        func(c config.AuthConfig) config.AuthConfig { return c },
			env:        map[string]string{"TEST_API_KEY_ALT": "alt"},
			wantKey:    "alt",
			wantSource: SourceEnvAlt,
		},
		{
			name: "well-known key file",
			cfg: func(c config.AuthConfig) config.AuthConfig {
				c.KeyFilePaths = []string{filepath.Join(t.TempDir(), "missing"), keyFile}
				return c
			},
			env:        map[string]string{},
			wantKey:    "file-key",
			wantSource: SourceFile,
		},
		{
			name:       "key file via env var",
			cfg:        func(c config.AuthConfig) config.AuthConfig { return c },
			env:        map[string]string{"TEST_API_KEY_FILE": keyFile},
			wantKey:    "file-key",
			wantSource: SourceFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(tt.cfg(testAuthConfig()), WithEnv(envFrom(tt.env)))
			cred, err := r.ResolveAPIKey()
			require.NoError(t, err)
			assert.Equal(t, KindAPIKey, cred.Kind)
			assert.Equal(t, tt.wantKey, cred.APIKey)
			assert.Equal(t, tt.wantSource, cred.Source)
		})
	}
}

func TestResolveAPIKeyEmptyFile(t *testing.T) {
	t.Parallel()

	emptyFile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(emptyFile, []byte("  \n"), 0600))

	cfg := testAuthConfig()
	cfg.KeyFilePaths = []string{emptyFile}
	r := NewResolver(cfg, WithEnv(envFrom(nil)))

	_, err := r.ResolveAPIKey()
	require.Error(t, err)
	assert.Equal(t, errors.ErrEmptyKeyFile, errors.TypeOf(err))
}

func TestResolveAPIKeyNothingFound(t *testing.T) {
	t.Parallel()

	r := NewResolver(testAuthConfig(), WithEnv(envFrom(nil)))
	_, err := r.ResolveAPIKey()
	require.Error(t, err)
	assert.True(t, errors.IsMissingCredentials(err))
}

func TestResolveOAuthEnvToken(t *testing.T) {
	t.Parallel()

	r := NewResolver(testAuthConfig(), WithEnv(envFrom(map[string]string{
		"TEST_OAUTH_TOKEN": "ya29.direct",
	})))

	cred, err := r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.NoError(t, err)
	assert.Equal(t, KindOAuth, cred.Kind)
	assert.Equal(t, "ya29.direct", cred.AccessToken)
	assert.Equal(t, SourceEnvToken, cred.Source)
}

func TestResolveAutoFallsBackToAPIKey(t *testing.T) {
	t.Parallel()

	cfg := testAuthConfig()
	r := NewResolver(cfg, WithEnv(envFrom(map[string]string{
		"TEST_ADC_PATH": filepath.Join(t.TempDir(), "missing.json"),
		"TEST_API_KEY":  "fallback-key",
	})))

	cred, err := r.Resolve(context.Background(), config.AuthModeAuto)
	require.NoError(t, err)
	assert.Equal(t, KindAPIKey, cred.Kind)
	assert.Equal(t, "fallback-key", cred.APIKey)
}

func TestResolveAPIKeyOnlySkipsOAuth(t *testing.T) {
	t.Parallel()

	r := NewResolver(testAuthConfig(), WithEnv(envFrom(map[string]string{
		"TEST_OAUTH_TOKEN": "ya29.direct",
		"TEST_API_KEY":     "key",
	})))

	cred, err := r.Resolve(context.Background(), config.AuthModeAPIKeyOnly)
	require.NoError(t, err)
	assert.Equal(t, KindAPIKey, cred.Kind)
}

func TestResolveAutoReportsBothFailures(t *testing.T) {
	t.Parallel()

	r := NewResolver(testAuthConfig(), WithEnv(envFrom(map[string]string{
		"TEST_ADC_PATH": filepath.Join(t.TempDir(), "missing.json"),
	})))

	_, err := r.Resolve(context.Background(), config.AuthModeAuto)
	require.Error(t, err)
	assert.True(t, errors.IsMissingCredentials(err))
	assert.Contains(t, err.Error(), "oauth")
	assert.Contains(t, err.Error(), "api key")
}

func TestResolveUnsupportedCredentialType(t *testing.T) {
	t.Parallel()

	adc := filepath.Join(t.TempDir(), "adc.json")
	require.NoError(t, os.WriteFile(adc, []byte(`{"type":"external_account"}`), 0600))

	r := NewResolver(testAuthConfig(), WithEnv(envFrom(map[string]string{
		"TEST_ADC_PATH": adc,
	})))

	_, err := r.Resolve(context.Background(), config.AuthModeOAuthOnly)
	require.Error(t, err)
	assert.Equal(t, errors.ErrUnsupportedCredentialType, errors.TypeOf(err))
}
