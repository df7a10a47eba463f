// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the modelbridge command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/modelbridge/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mbridge",
	DisableAutoGenTag: true,
	Short:             "mbridge is an MCP server that bridges tool calls to Gemini models",
	Long: `mbridge exposes Gemini generative-model operations as MCP (Model Context Protocol)
tools. It resolves credentials from API keys or Google application default
credentials, speaks both the Developer API and Vertex AI URL shapes, and
governs every call with a per-minute rate limit and a daily token budget.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the modelbridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newApproveBudgetCommand())
	rootCmd.AddCommand(newUsageCommand())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
