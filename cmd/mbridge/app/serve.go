// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/modelbridge/pkg/bridge"
	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/logger"
)

var serveStdio bool

// newServeCommand creates the 'serve' subcommand
func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the modelbridge MCP server",
		Long: `Start an MCP (Model Context Protocol) server that exposes Gemini model
operations as tools: generate_content, stream_generate_content, count_tokens,
embed_content, list_models, get_usage, and approve_budget.

By default the server listens on a streamable HTTP endpoint; --stdio serves
the protocol over stdin/stdout instead, for clients that spawn the bridge
as a subprocess.`,
		RunE: serveCmdFunc,
	}

	cmd.Flags().String("host", "", "Host to listen on (default 127.0.0.1, or MBRIDGE_HOST)")
	cmd.Flags().Int("port", 0, "Port to listen on (default 4484, or MBRIDGE_PORT)")
	cmd.Flags().BoolVar(&serveStdio, "stdio", false, "Serve over stdin/stdout instead of HTTP")

	// Flags override env vars and defaults through the shared viper instance.
	if flag := cmd.Flags().Lookup("host"); flag != nil {
		_ = viper.BindPFlag("host", flag)
	}
	if flag := cmd.Flags().Lookup("port"); flag != nil {
		_ = viper.BindPFlag("port", flag)
	}

	return cmd
}

// serveCmdFunc is the main function for the serve command
func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infof("Received signal %v, shutting down...", sig)
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	srv, err := bridge.New(ctx, cfg)
	if err != nil {
		return err
	}

	if serveStdio {
		return srv.ServeStdio(ctx)
	}
	return srv.ServeHTTP(ctx)
}
