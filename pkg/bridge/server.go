// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bridge wires the MCP server to the Gemini backends: it registers
// the bridge tools and runs every invocation through the common pipeline
// of validation, rate limiting, budget reservation, credential resolution,
// the HTTP call, usage extraction, and response formatting.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/modelbridge/pkg/approvals"
	"github.com/stacklok/modelbridge/pkg/auth"
	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/limits"
	"github.com/stacklok/modelbridge/pkg/logger"
	"github.com/stacklok/modelbridge/pkg/versions"
)

const (
	// defaultReadHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultShutdownTimeout is the maximum time to wait for graceful shutdown.
	defaultShutdownTimeout = 10 * time.Second
)

// Server is the modelbridge MCP server.
type Server struct {
	cfg      *config.Config
	resolver *auth.Resolver
	limiter  limits.RateLimiter
	budget   limits.Budget
	ledger   *approvals.Ledger
	shared   *limits.SharedClient
	mcp      *server.MCPServer

	// httpClient is passed to the Gemini client; tests point it at a
	// local server.
	httpClient *http.Client
}

// Option customizes a Server, mainly for tests.
type Option func(*Server)

// WithResolver injects a pre-built credential resolver.
func WithResolver(r *auth.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithSharedClient injects a shared limit store client.
func WithSharedClient(c *limits.SharedClient) Option {
	return func(s *Server) { s.shared = c }
}

// WithHTTPClient overrides the HTTP client used for Gemini API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// New builds a Server from configuration. In the strict auth modes the
// credential chain is resolved eagerly so misconfiguration fails startup
// instead of the first tool call.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.resolver == nil {
		s.resolver = auth.NewResolver(cfg.Auth)
	}

	if s.shared == nil && cfg.Limits.SharedEnabled {
		s.shared = limits.Connect(ctx, cfg.Limits.SharedStoreURL, cfg.Limits.SharedStorePrefix)
	}

	s.ledger = approvals.NewLedger(cfg.Limits.BudgetApprovalPath)

	s.limiter = limits.NewRateLimiter(cfg.Limits.MaxPerMinute, s.shared)
	s.budget = limits.NewBudget(limits.BudgetConfig{
		BaseMaxPerDay:   cfg.Limits.MaxTokensPerDay,
		ApprovalPolicy:  cfg.Limits.BudgetApprovalPolicy,
		IncrementTokens: cfg.Limits.BudgetIncrement,
	}, s.ledger, s.shared)

	if cfg.Auth.Mode != config.AuthModeAuto {
		if _, err := s.resolver.Resolve(ctx, cfg.Auth.Mode); err != nil {
			return nil, fmt.Errorf("credential resolution failed in %s mode: %w", cfg.Auth.Mode, err)
		}
	}

	versionInfo := versions.GetVersionInfo()
	s.mcp = server.NewMCPServer(
		"modelbridge",
		versionInfo.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	s.registerTools()

	return s, nil
}

// MCPServer exposes the underlying MCP server, for tests and embedding.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves the MCP protocol over stdin/stdout until EOF or
// cancellation.
func (s *Server) ServeStdio(_ context.Context) error {
	return server.ServeStdio(s.mcp)
}

// ServeHTTP serves the streamable-HTTP MCP endpoint at /mcp alongside
// /health and /usage, shutting down gracefully when ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context) error {
	streamableServer := server.NewStreamableHTTPServer(
		s.mcp,
		server.WithEndpointPath("/mcp"),
	)

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/usage", s.handleUsage)
	r.Mount("/mcp", streamableServer)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting modelbridge MCP server on http://%s/mcp", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down MCP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": versions.GetVersionInfo().Version,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.budget.Usage(r.Context())
	if err != nil {
		http.Error(w, "failed to read usage", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(usage)
}
