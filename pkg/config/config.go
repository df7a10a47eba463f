// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the modelbridge configuration from environment
// variables and flags via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/modelbridge/pkg/errors"
)

// Backend identifies one of the two Gemini API URL/auth shapes.
type Backend string

const (
	// BackendDeveloper is the Developer API flavor using x-goog-api-key.
	BackendDeveloper Backend = "developer"
	// BackendVertex is the Vertex AI flavor using OAuth bearer tokens.
	BackendVertex Backend = "vertex"
)

// AuthMode controls which credential sources the resolver may use.
type AuthMode string

const (
	// AuthModeAPIKeyOnly restricts resolution to API keys.
	AuthModeAPIKeyOnly AuthMode = "api_key_only"
	// AuthModeOAuthOnly restricts resolution to OAuth credentials.
	AuthModeOAuthOnly AuthMode = "oauth_only"
	// AuthModeAuto tries OAuth first and falls back to API keys.
	AuthModeAuto AuthMode = "auto"
)

// FallbackPolicy controls the OAuth to API-key fallback behavior.
type FallbackPolicy string

const (
	// FallbackAuto switches to the API key silently (with a notice).
	FallbackAuto FallbackPolicy = "auto"
	// FallbackPrompt raises an error so the operator can approve the switch.
	FallbackPrompt FallbackPolicy = "prompt"
)

// ApprovalPolicy controls what happens when the daily budget is exhausted.
type ApprovalPolicy string

const (
	// ApprovalNever rejects over-budget requests outright.
	ApprovalNever ApprovalPolicy = "never"
	// ApprovalPrompt instructs the operator to approve an increment out of band.
	ApprovalPrompt ApprovalPolicy = "prompt"
	// ApprovalAuto appends the configured increment to the ledger and retries.
	ApprovalAuto ApprovalPolicy = "auto"
)

// Default environment variable names consulted by the auth resolver.
const (
	DefaultAPIKeyEnv      = "GEMINI_API_KEY"
	DefaultAPIKeyAltEnv   = "GOOGLE_API_KEY"
	DefaultAPIKeyFileEnv  = "GEMINI_API_KEY_FILE"
	DefaultOAuthTokenEnv  = "GOOGLE_OAUTH_ACCESS_TOKEN" // #nosec G101 - env var name, not a credential
	DefaultOAuthTokenAlt  = "GEMINI_OAUTH_TOKEN"        // #nosec G101 - env var name, not a credential
	DefaultADCPathEnv     = "GOOGLE_APPLICATION_CREDENTIALS"
	DefaultDeveloperBase  = "https://generativelanguage.googleapis.com/v1beta"
	DefaultVertexLocation = "us-central1"
	DefaultModel          = "gemini-2.5-flash"
)

// AuthConfig enumerates credential resolution options.
type AuthConfig struct {
	// Mode selects the credential sources the resolver may use.
	Mode AuthMode

	// InlineAPIKey is an API key supplied directly in configuration.
	InlineAPIKey string

	// PrimaryEnvVar and AltEnvVar name the env vars searched for an API key.
	PrimaryEnvVar string
	AltEnvVar     string

	// KeyFileEnvVar names an env var holding the path of an API key file.
	KeyFileEnvVar string

	// KeyFilePaths are well-known file locations searched for an API key.
	KeyFilePaths []string

	// OAuthTokenEnvVar and OAuthTokenAltEnvVar name env vars holding a raw
	// bearer token that bypasses the ADC flow entirely.
	OAuthTokenEnvVar    string
	OAuthTokenAltEnvVar string

	// ADCPathEnvVar names the env var overriding the ADC credentials file path.
	ADCPathEnvVar string

	// OAuthScopes are requested for service-account assertions.
	OAuthScopes []string
}

// VertexConfig holds Vertex AI specific settings.
type VertexConfig struct {
	Project      string
	Location     string
	QuotaProject string
	// BaseURL overrides the computed regional endpoint.
	BaseURL string
	// Publisher defaults to "google".
	Publisher string
}

// LimitsConfig holds rate-limit and budget settings.
type LimitsConfig struct {
	MaxPerMinute         int
	MaxTokensPerDay      int64
	BudgetIncrement      int64
	BudgetApprovalPolicy ApprovalPolicy
	BudgetApprovalPath   string
	SharedEnabled        bool
	SharedStoreURL       string
	SharedStorePrefix    string
}

// RequestConfig bounds individual tool invocations.
type RequestConfig struct {
	MaxOutputTokens int
	MaxInputChars   int
	Timeout         time.Duration
}

// Config is the top-level modelbridge configuration.
type Config struct {
	Backend            Backend
	BaseURL            string
	DefaultModel       string
	AuthFallbackPolicy FallbackPolicy
	Auth               AuthConfig
	Vertex             VertexConfig
	Limits             LimitsConfig
	Request            RequestConfig

	// Host and Port bind the streamable HTTP transport.
	Host string
	Port int
}

// envBindings maps viper keys to the environment variables that populate them.
var envBindings = map[string]string{
	"backend":                "MBRIDGE_BACKEND",
	"auth_mode":              "MBRIDGE_AUTH_MODE",
	"auth_fallback_policy":   "MBRIDGE_AUTH_FALLBACK_POLICY",
	"base_url":               "MBRIDGE_BASE_URL",
	"default_model":          "MBRIDGE_DEFAULT_MODEL",
	"vertex_project":         "VERTEX_PROJECT",
	"vertex_location":        "VERTEX_LOCATION",
	"vertex_quota_project":   "VERTEX_QUOTA_PROJECT",
	"vertex_api_base_url":    "VERTEX_API_BASE_URL",
	"max_per_minute":         "MBRIDGE_MAX_PER_MINUTE",
	"max_tokens_per_day":     "MBRIDGE_MAX_TOKENS_PER_DAY",
	"budget_increment":       "MBRIDGE_BUDGET_INCREMENT",
	"budget_approval_policy": "MBRIDGE_BUDGET_APPROVAL_POLICY",
	"budget_approval_path":   "MBRIDGE_BUDGET_APPROVAL_PATH",
	"shared_limits_enabled":  "MBRIDGE_SHARED_LIMITS_ENABLED",
	"shared_store_url":       "MBRIDGE_SHARED_STORE_URL",
	"shared_store_prefix":    "MBRIDGE_SHARED_STORE_PREFIX",
	"max_output_tokens":      "MBRIDGE_MAX_OUTPUT_TOKENS",
	"max_input_chars":        "MBRIDGE_MAX_INPUT_CHARS",
	"request_timeout_ms":     "MBRIDGE_REQUEST_TIMEOUT_MS",
	"host":                   "MBRIDGE_HOST",
	"port":                   "MBRIDGE_PORT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", string(BackendDeveloper))
	v.SetDefault("auth_mode", string(AuthModeAuto))
	v.SetDefault("auth_fallback_policy", string(FallbackAuto))
	v.SetDefault("default_model", DefaultModel)
	v.SetDefault("vertex_location", DefaultVertexLocation)
	v.SetDefault("max_per_minute", 30)
	v.SetDefault("max_tokens_per_day", int64(2_000_000))
	v.SetDefault("budget_increment", int64(0))
	v.SetDefault("budget_approval_policy", string(ApprovalNever))
	v.SetDefault("shared_store_prefix", "mbridge")
	v.SetDefault("max_output_tokens", 8192)
	v.SetDefault("max_input_chars", 400_000)
	v.SetDefault("request_timeout_ms", 120_000)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 4484)
}

// Load builds a Config from defaults, bound environment variables, and any
// values already set on the shared viper instance by flags.
func Load() (*Config, error) {
	return loadFrom(viper.GetViper())
}

func loadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.NewConfigError(fmt.Sprintf("failed to bind %s", env), err)
		}
	}

	cfg := &Config{
		Backend:            Backend(strings.ToLower(v.GetString("backend"))),
		BaseURL:            v.GetString("base_url"),
		DefaultModel:       v.GetString("default_model"),
		AuthFallbackPolicy: FallbackPolicy(strings.ToLower(v.GetString("auth_fallback_policy"))),
		Auth: AuthConfig{
			Mode:                AuthMode(strings.ToLower(v.GetString("auth_mode"))),
			InlineAPIKey:        v.GetString("api_key"),
			PrimaryEnvVar:       DefaultAPIKeyEnv,
			AltEnvVar:           DefaultAPIKeyAltEnv,
			KeyFileEnvVar:       DefaultAPIKeyFileEnv,
			OAuthTokenEnvVar:    DefaultOAuthTokenEnv,
			OAuthTokenAltEnvVar: DefaultOAuthTokenAlt,
			ADCPathEnvVar:       DefaultADCPathEnv,
			OAuthScopes:         []string{"https://www.googleapis.com/auth/cloud-platform"},
		},
		Vertex: VertexConfig{
			Project:      v.GetString("vertex_project"),
			Location:     v.GetString("vertex_location"),
			QuotaProject: v.GetString("vertex_quota_project"),
			BaseURL:      v.GetString("vertex_api_base_url"),
			Publisher:    "google",
		},
		Limits: LimitsConfig{
			MaxPerMinute:         v.GetInt("max_per_minute"),
			MaxTokensPerDay:      v.GetInt64("max_tokens_per_day"),
			BudgetIncrement:      v.GetInt64("budget_increment"),
			BudgetApprovalPolicy: ApprovalPolicy(strings.ToLower(v.GetString("budget_approval_policy"))),
			BudgetApprovalPath:   v.GetString("budget_approval_path"),
			SharedEnabled:        v.GetBool("shared_limits_enabled"),
			SharedStoreURL:       v.GetString("shared_store_url"),
			SharedStorePrefix:    v.GetString("shared_store_prefix"),
		},
		Request: RequestConfig{
			MaxOutputTokens: v.GetInt("max_output_tokens"),
			MaxInputChars:   v.GetInt("max_input_chars"),
			Timeout:         time.Duration(v.GetInt("request_timeout_ms")) * time.Millisecond,
		},
		Host: v.GetString("host"),
		Port: v.GetInt("port"),
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDeveloperBase
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects invalid enum values and flag combinations.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendDeveloper, BackendVertex:
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid backend %q (want developer or vertex)", c.Backend), nil)
	}

	switch c.Auth.Mode {
	case AuthModeAPIKeyOnly, AuthModeOAuthOnly, AuthModeAuto:
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid auth_mode %q", c.Auth.Mode), nil)
	}

	switch c.AuthFallbackPolicy {
	case FallbackAuto, FallbackPrompt:
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid auth_fallback_policy %q", c.AuthFallbackPolicy), nil)
	}

	switch c.Limits.BudgetApprovalPolicy {
	case ApprovalNever, ApprovalPrompt, ApprovalAuto:
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid budget_approval_policy %q", c.Limits.BudgetApprovalPolicy), nil)
	}

	if c.Backend == BackendVertex && c.Vertex.Project == "" {
		return errors.NewConfigError("vertex backend requires VERTEX_PROJECT", nil)
	}

	if c.Limits.BudgetApprovalPolicy == ApprovalAuto && c.Limits.BudgetIncrement <= 0 {
		return errors.NewConfigError("budget_approval_policy=auto requires a positive budget_increment", nil)
	}

	if c.Limits.SharedEnabled && c.Limits.SharedStoreURL == "" {
		return errors.NewConfigError("shared_limits_enabled requires shared_store_url", nil)
	}

	if c.Limits.MaxPerMinute <= 0 {
		return errors.NewConfigError("max_per_minute must be positive", nil)
	}

	if c.Limits.MaxTokensPerDay <= 0 {
		return errors.NewConfigError("max_tokens_per_day must be positive", nil)
	}

	return nil
}
