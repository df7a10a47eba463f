// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/modelbridge/pkg/approvals"
	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/limits"
)

// newUsageCommand creates the 'usage' subcommand
func newUsageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show today's token usage",
		Long: `Print today's budget snapshot as JSON. With shared limits enabled this
reflects usage across all bridge processes; otherwise only the approval
ledger contributes, since local counters live inside the server process.`,
		RunE: usageCmdFunc,
	}
}

func usageCmdFunc(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var shared *limits.SharedClient
	if cfg.Limits.SharedEnabled {
		shared = limits.Connect(cmd.Context(), cfg.Limits.SharedStoreURL, cfg.Limits.SharedStorePrefix)
		if shared != nil {
			defer shared.Close()
		}
	}

	ledger := approvals.NewLedger(cfg.Limits.BudgetApprovalPath)
	budget := limits.NewBudget(limits.BudgetConfig{
		BaseMaxPerDay:   cfg.Limits.MaxTokensPerDay,
		ApprovalPolicy:  cfg.Limits.BudgetApprovalPolicy,
		IncrementTokens: cfg.Limits.BudgetIncrement,
	}, ledger, shared)

	usage, err := budget.Usage(cmd.Context())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(usage, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
