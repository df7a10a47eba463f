// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/modelbridge/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, BackendDeveloper, cfg.Backend)
	assert.Equal(t, AuthModeAuto, cfg.Auth.Mode)
	assert.Equal(t, FallbackAuto, cfg.AuthFallbackPolicy)
	assert.Equal(t, DefaultDeveloperBase, cfg.BaseURL)
	assert.Equal(t, DefaultModel, cfg.DefaultModel)
	assert.Equal(t, 30, cfg.Limits.MaxPerMinute)
	assert.Equal(t, int64(2_000_000), cfg.Limits.MaxTokensPerDay)
	assert.Equal(t, ApprovalNever, cfg.Limits.BudgetApprovalPolicy)
	assert.Equal(t, 120*time.Second, cfg.Request.Timeout)
	assert.Equal(t, 4484, cfg.Port)
}

func TestLoadVertex(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("backend", "vertex")
	v.Set("vertex_project", "my-project")
	v.Set("vertex_location", "europe-west4")

	cfg, err := loadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, BackendVertex, cfg.Backend)
	assert.Equal(t, "my-project", cfg.Vertex.Project)
	assert.Equal(t, "europe-west4", cfg.Vertex.Location)
	assert.Equal(t, "google", cfg.Vertex.Publisher)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		set  map[string]any
	}{
		{
			name: "unknown backend",
			set:  map[string]any{"backend": "azure"},
		},
		{
			name: "unknown auth mode",
			set:  map[string]any{"auth_mode": "maybe"},
		},
		{
			name: "unknown fallback policy",
			set:  map[string]any{"auth_fallback_policy": "ask"},
		},
		{
			name: "vertex without project",
			set:  map[string]any{"backend": "vertex"},
		},
		{
			name: "auto approval without increment",
			set:  map[string]any{"budget_approval_policy": "auto"},
		},
		{
			name: "shared without url",
			set:  map[string]any{"shared_limits_enabled": true},
		},
		{
			name: "zero rate limit",
			set:  map[string]any{"max_per_minute": 0},
		},
		{
			name: "zero daily budget",
			set:  map[string]any{"max_tokens_per_day": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := viper.New()
			for key, val := range tt.set {
				v.Set(key, val)
			}
			_, err := loadFrom(v)
			require.Error(t, err)
			assert.True(t, errors.IsConfig(err))
		})
	}
}

func TestValidateAutoApprovalWithIncrement(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("budget_approval_policy", "auto")
	v.Set("budget_increment", 200_000)

	cfg, err := loadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, ApprovalAuto, cfg.Limits.BudgetApprovalPolicy)
	assert.Equal(t, int64(200_000), cfg.Limits.BudgetIncrement)
}
