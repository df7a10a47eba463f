// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/stacklok/modelbridge/pkg/auth"
	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/errors"
	"github.com/stacklok/modelbridge/pkg/gemini"
	"github.com/stacklok/modelbridge/pkg/limits"
)

// toolCall describes one invocation to the common pipeline. Individual
// tools differ only in the API verb and the response formatting.
type toolCall struct {
	name       string
	inputChars int
	maxOutput  int

	// metadataOnly marks tools that never consume model tokens
	// (count_tokens, list_models); they commit zero against the budget.
	metadataOnly bool

	run func(ctx context.Context, client *gemini.Client) ([]byte, error)
}

// invokeResult carries the raw response plus everything the formatter needs.
type invokeResult struct {
	Raw     []byte
	Usage   gemini.TokenUsage
	Notices []gemini.Notice
}

// estimateReserve computes the token reservation for a call: the output
// cap plus roughly one token per four input characters.
func estimateReserve(inputChars, maxOutput int) int64 {
	return int64(maxOutput) + int64((inputChars+3)/4)
}

// invoke runs the fixed per-call sequence: admit, reserve, authenticate,
// call, extract usage, commit. The deferred release is a no-op once the
// commit settles the reservation, so every exit path between reserve and
// commit returns the tokens exactly once.
func (s *Server) invoke(ctx context.Context, call toolCall) (*invokeResult, error) {
	if err := s.limiter.Check(ctx); err != nil {
		return nil, err
	}

	reservation, err := s.budget.Reserve(ctx, estimateReserve(call.inputChars, call.maxOutput))
	if err != nil {
		return nil, err
	}
	defer s.budget.Release(ctx, reservation)

	client, err := s.newClient(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := call.run(ctx, client)
	notices := client.DrainNotices()
	if err != nil {
		return nil, err
	}

	usage := gemini.ExtractUsage(raw)
	actual := usage.TotalTokens
	if call.metadataOnly {
		actual = 0
	} else if actual == 0 {
		// No usage metadata; charge the estimate rather than nothing.
		actual = reservation.Tokens
	}
	if err := s.budget.Commit(ctx, call.name, actual, 0, reservation); err != nil {
		return nil, err
	}

	return &invokeResult{Raw: raw, Usage: usage, Notices: notices}, nil
}

// newClient resolves a credential and builds a Gemini client for this
// request. In auto mode with an OAuth credential the client also gets the
// resolvable API key so it can fall back on 401/403.
func (s *Server) newClient(ctx context.Context) (*gemini.Client, error) {
	cred, err := s.resolver.Resolve(ctx, s.cfg.Auth.Mode)
	if err != nil {
		return nil, err
	}

	cc := gemini.ClientConfig{
		Backend:        s.cfg.Backend,
		FallbackPolicy: s.cfg.AuthFallbackPolicy,
		Timeout:        s.cfg.Request.Timeout,
		HTTPClient:     s.httpClient,
	}
	if s.cfg.Backend == config.BackendVertex {
		cc.BaseURL = gemini.VertexPublisherBase(
			s.cfg.Vertex.BaseURL, s.cfg.Vertex.Project, s.cfg.Vertex.Location, s.cfg.Vertex.Publisher)
		cc.QuotaProject = s.cfg.Vertex.QuotaProject
	} else {
		cc.BaseURL = s.cfg.BaseURL
	}

	switch cred.Kind {
	case auth.KindOAuth:
		cc.AccessToken = cred.AccessToken
		if s.cfg.Auth.Mode == config.AuthModeAuto {
			if keyCred, keyErr := s.resolver.ResolveAPIKey(); keyErr == nil {
				cc.APIKey = keyCred.APIKey
				cc.AllowAPIKeyFallback = true
				if s.cfg.Backend == config.BackendVertex {
					// API keys only work against the Developer endpoint.
					cc.APIKeyFallbackBaseURL = config.DefaultDeveloperBase
				}
			}
		}
	default:
		cc.APIKey = cred.APIKey
	}

	return gemini.NewClient(cc), nil
}

// formatText assembles a tool response: drained notices as warning blocks,
// the model text, and a usage footer from the current budget snapshot.
func (s *Server) formatText(ctx context.Context, text string, res *invokeResult) string {
	var b strings.Builder
	for _, warning := range noticeWarnings(res.Notices) {
		b.WriteString(warning)
		b.WriteString("\n\n")
	}
	b.WriteString(text)
	if footer := s.usageFooter(ctx); footer != "" {
		b.WriteString("\n\n")
		b.WriteString(footer)
	}
	return b.String()
}

// noticeWarnings renders client notices as caller-visible warnings.
// Notice messages are already redacted by the client.
func noticeWarnings(notices []gemini.Notice) []string {
	warnings := make([]string, 0, len(notices))
	for _, n := range notices {
		if n.Type != gemini.NoticeTypeAuthFallback {
			continue
		}
		w := fmt.Sprintf("Warning: Switched from OAuth/ADC to API key after HTTP %d.", n.Status)
		if n.Message != "" {
			w += " Upstream said: " + n.Message
		}
		warnings = append(warnings, w)
	}
	return warnings
}

// usageFooter summarizes today's budget state in one line.
func (s *Server) usageFooter(ctx context.Context) string {
	usage, err := s.budget.Usage(ctx)
	if err != nil || usage == nil {
		return ""
	}
	return fmt.Sprintf("Usage today (%s): %d/%d tokens, %d requests.",
		usage.Day, usage.UsedTokens, usage.EffectiveMax, usage.RequestCount)
}

// approveBudget appends an increment to the ledger and installs the new
// total in the running budget.
func (s *Server) approveBudget(ctx context.Context, day string, tokens int64) (int64, error) {
	if day == "" {
		day = limits.CurrentDay()
	}
	approved, err := s.ledger.ApproveIncrement(day, tokens)
	if err != nil {
		return 0, err
	}
	if syncer, ok := s.budget.(limits.ApprovalSyncer); ok {
		syncer.SyncApprovals(ctx, day, approved)
	}
	return approved, nil
}

// structuredAPIError surfaces a blocked or empty completion as an error
// rather than silently returning an empty string.
func structuredAPIError(raw []byte) error {
	if reason, ok := gemini.ExtractBlockReason(raw); ok {
		return errors.NewAPIError(0, fmt.Sprintf("Prompt was blocked (reason: %s)", reason), nil)
	}
	if reason, ok := gemini.ExtractFinishReason(raw); ok && reason != "STOP" {
		return errors.NewAPIError(0, fmt.Sprintf("Model returned no text (finish reason: %s)", reason), nil)
	}
	return errors.NewAPIError(0, "Model returned no text", nil)
}
