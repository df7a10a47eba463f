// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/modelbridge/pkg/approvals"
	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/limits"
)

var (
	approveTokens int64
	approveDay    string
	approvePath   string
)

// newApproveBudgetCommand creates the 'approve-budget' subcommand
func newApproveBudgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve-budget",
		Short: "Approve additional tokens for a day's budget",
		Long: `Append an operator-approved token increment to the budget approval ledger.
Running bridge processes pick the new ceiling up on their next budget read.`,
		RunE: approveBudgetCmdFunc,
	}

	cmd.Flags().Int64Var(&approveTokens, "tokens", 0, "Number of tokens to approve (required)")
	cmd.Flags().StringVar(&approveDay, "day", "", "UTC day YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&approvePath, "path", "", "Approval ledger path (default from config)")
	_ = cmd.MarkFlagRequired("tokens")

	return cmd
}

func approveBudgetCmdFunc(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	path := approvePath
	if path == "" {
		path = cfg.Limits.BudgetApprovalPath
	}

	day := approveDay
	if day == "" {
		day = limits.CurrentDay()
	}

	entry, err := approvals.NewLedger(path).Approve(day, approveTokens)
	if err != nil {
		return err
	}

	fmt.Printf("Approved %d tokens for %s (total %d across %d increments, updated %s)\n",
		approveTokens, day, entry.Tokens, entry.Increments, entry.UpdatedAt)
	return nil
}
